package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/model"
)

// MemoryStorage keeps everything in process. It is meant for development and tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	txMu      sync.RWMutex // Held exclusively by a transaction, shared by writers outside one
	nextID    int64
	nextOpID  int64
	certs     map[string]*model.Certificate // By certificate_id
	ops       []*model.Operation
	providers map[string]*model.ProviderConfig
	apiKeys   map[string][]string
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		certs:     make(map[string]*model.Certificate),
		providers: make(map[string]*model.ProviderConfig),
		apiKeys:   make(map[string][]string),
	}
}

func (m *MemoryStorage) Close() error                   { return nil }
func (m *MemoryStorage) Ping(ctx context.Context) error { return ctx.Err() }

// memorySnapshot is the state restored when a transaction function fails.
type memorySnapshot struct {
	nextID, nextOpID int64
	certs     map[string]*model.Certificate
	opsLen    int
	providers map[string]*model.ProviderConfig
	apiKeys   map[string][]string
}

func (m *MemoryStorage) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := memorySnapshot{
		nextID:    m.nextID,
		nextOpID:  m.nextOpID,
		certs:     make(map[string]*model.Certificate, len(m.certs)),
		opsLen:    len(m.ops),
		providers: make(map[string]*model.ProviderConfig, len(m.providers)),
		apiKeys:   make(map[string][]string, len(m.apiKeys)),
	}
	for k, v := range m.certs {
		s.certs[k] = cloneCertificate(v)
	}
	for k, v := range m.providers {
		cp := *v
		s.providers[k] = &cp
	}
	for k, v := range m.apiKeys {
		s.apiKeys[k] = v
	}
	return s
}

func (m *MemoryStorage) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID, m.nextOpID = s.nextID, s.nextOpID
	m.certs = s.certs
	m.ops = m.ops[:s.opsLen]
	m.providers = s.providers
	m.apiKeys = s.apiKeys
}

// WithinTransaction runs fn against the store and restores the previous state when fn fails.
func (m *MemoryStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, memoryTx{m}); err != nil {
		m.restore(snap)
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	return nil
}

// Writers outside a transaction share txMu so a rollback never discards their changes.
func (m *MemoryStorage) SaveCertificate(ctx context.Context, cert *model.Certificate, op *model.Operation) error {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return m.saveCertificate(ctx, cert, op)
}

func (m *MemoryStorage) UpdateCertificateStatus(ctx context.Context, update StatusUpdate) (*StatusUpdateResult, error) {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return m.updateCertificateStatus(ctx, update)
}

func (m *MemoryStorage) RecordOperation(ctx context.Context, op *model.Operation) error {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return m.recordOperation(ctx, op)
}

func (m *MemoryStorage) UpsertProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return m.upsertProviderConfig(ctx, cfg)
}

func (m *MemoryStorage) EnsureProviderConfig(ctx context.Context, name string, endpoint string) error {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return m.ensureProviderConfig(ctx, name, endpoint)
}

func (m *MemoryStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return m.saveAPIKey(ctx, apiKey, roles)
}

// memoryTx is the Storage handed to a transaction function. It already holds txMu.
type memoryTx struct {
	*MemoryStorage
}

var _ Storage = memoryTx{}

func (t memoryTx) SaveCertificate(ctx context.Context, cert *model.Certificate, op *model.Operation) error {
	return t.saveCertificate(ctx, cert, op)
}

func (t memoryTx) UpdateCertificateStatus(ctx context.Context, update StatusUpdate) (*StatusUpdateResult, error) {
	return t.updateCertificateStatus(ctx, update)
}

func (t memoryTx) RecordOperation(ctx context.Context, op *model.Operation) error {
	return t.recordOperation(ctx, op)
}

func (t memoryTx) UpsertProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	return t.upsertProviderConfig(ctx, cfg)
}

func (t memoryTx) EnsureProviderConfig(ctx context.Context, name string, endpoint string) error {
	return t.ensureProviderConfig(ctx, name, endpoint)
}

func (t memoryTx) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return t.saveAPIKey(ctx, apiKey, roles)
}

// WithinTransaction joins the running transaction.
func (t memoryTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, t)
}

func cloneCertificate(c *model.Certificate) *model.Certificate {
	cp := *c
	cp.CAChain = append([]string(nil), c.CAChain...)
	cp.AltNames = append([]string(nil), c.AltNames...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryStorage) saveCertificate(ctx context.Context, cert *model.Certificate, op *model.Operation) error {
	if err := cert.Validate(); err != nil {
		return apperr.New("save_certificate", apperr.KindValidation, err)
	}
	m.mu.Lock()
	if _, exists := m.certs[cert.CertificateID]; exists {
		m.mu.Unlock()
		return apperr.New("save_certificate", apperr.KindConflict, fmt.Errorf("certificate '%s' already exists", cert.CertificateID))
	}
	now := time.Now().UTC()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = cert.CreatedAt
	if cert.CertificateType == "" {
		cert.CertificateType = model.TypeSSL
	}
	m.nextID++
	cert.ID = m.nextID
	m.certs[cert.CertificateID] = cloneCertificate(cert)
	if op != nil {
		m.appendOperation(op)
	}
	m.mu.Unlock()
	logger.Debug("Certificate saved", zap.String("certificate_id", cert.CertificateID))
	return nil
}

// findLocked resolves a lookup; callers hold mu.
func (m *MemoryStorage) findLocked(lookup Lookup) (*model.Certificate, error) {
	if lookup.CertificateID != "" {
		return m.certs[lookup.CertificateID], nil
	}
	var found *model.Certificate
	for _, c := range m.certs {
		if c.SerialNumber != "" && strings.EqualFold(c.SerialNumber, lookup.SerialNumber) {
			if found != nil {
				return nil, apperr.New("get_certificate", apperr.KindConflict,
					fmt.Errorf("serial number %s matches more than one certificate; use certificate_id", lookup.SerialNumber))
			}
			found = c
		}
	}
	return found, nil
}

func (m *MemoryStorage) GetCertificate(ctx context.Context, lookup Lookup) (*model.Certificate, error) {
	if err := lookup.Validate("get_certificate"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.findLocked(lookup)
	if err != nil || c == nil {
		return nil, err
	}
	return cloneCertificate(c), nil
}

// sortedCertificates orders by created_at DESC, id ASC.
func (m *MemoryStorage) sortedCertificates(keep func(*model.Certificate) bool) []*model.Certificate {
	out := make([]*model.Certificate, 0, len(m.certs))
	for _, c := range m.certs {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStorage) ListCertificates(ctx context.Context, query InventoryQuery) (*InventoryPage, error) {
	if err := query.Normalize(); err != nil {
		return nil, err
	}
	cn := strings.ToLower(query.CommonName)
	m.mu.RLock()
	matched := m.sortedCertificates(func(c *model.Certificate) bool {
		switch {
		case query.CAProvider != "" && c.CAProvider != query.CAProvider:
			return false
		case query.Status != "" && c.Status != query.Status:
			return false
		case cn != "" && !strings.Contains(strings.ToLower(c.CommonName), cn):
			return false
		case query.Organization != "" && c.Organization != query.Organization:
			return false
		}
		return true
	})
	page := &InventoryPage{Certificates: make([]*model.Certificate, 0), Total: len(matched), Limit: query.Limit, Offset: query.Offset}
	for i := query.Offset; i < len(matched) && i < query.Offset+query.Limit; i++ {
		page.Certificates = append(page.Certificates, cloneCertificate(matched[i]).Redacted())
	}
	m.mu.RUnlock()
	return page, nil
}

func (m *MemoryStorage) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Certificate, error) {
	if limit <= 0 {
		limit = MaxInventoryLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.sortedCertificates(func(c *model.Certificate) bool {
		switch c.Status {
		case model.StatusIssued, model.StatusActive, model.StatusSuspended:
		default:
			return false
		}
		return c.ExpiresAt != nil && !c.ExpiresAt.After(before)
	})
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ExpiresAt.Before(*matched[j].ExpiresAt) })
	out := make([]*model.Certificate, 0, min(limit, len(matched)))
	for i := 0; i < len(matched) && i < limit; i++ {
		out = append(out, cloneCertificate(matched[i]).Redacted())
	}
	return out, nil
}

func (m *MemoryStorage) updateCertificateStatus(ctx context.Context, update StatusUpdate) (*StatusUpdateResult, error) {
	const op = "update_certificate_status"
	if err := update.Lookup.Validate(op); err != nil {
		return nil, err
	}
	if _, err := model.ParseStatus(string(update.Status)); err != nil {
		return nil, apperr.New(op, apperr.KindValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.findLocked(update.Lookup)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, apperr.New(op, apperr.KindNotFound, fmt.Errorf("%w: %s", apperr.ErrCertificateNotFound, update.Lookup))
	}
	cert := cloneCertificate(stored)
	previous := cert.Status
	apply, err := checkTransition(op, cert, update)
	if err != nil {
		return nil, err
	}
	if !apply {
		return &StatusUpdateResult{Certificate: cert, PreviousStatus: previous}, nil
	}
	now := time.Now().UTC()
	applyStatusUpdate(cert, update, now)
	if err := cert.Validate(); err != nil {
		return nil, apperr.New(op, apperr.KindValidation, err)
	}
	m.certs[cert.CertificateID] = cloneCertificate(cert)
	m.appendOperation(statusOperation(cert, previous, update, now))
	logger.Info("Certificate status updated", zap.String("certificate_id", cert.CertificateID),
		zap.String("from", string(previous)), zap.String("to", string(cert.Status)))
	return &StatusUpdateResult{Certificate: cert, PreviousStatus: previous, Changed: true, AuditRecorded: true}, nil
}

// appendOperation stores op; callers hold mu.
func (m *MemoryStorage) appendOperation(op *model.Operation) {
	if op.PerformedAt.IsZero() {
		op.PerformedAt = time.Now().UTC()
	}
	if op.PerformedBy == "" {
		op.PerformedBy = "system"
	}
	m.nextOpID++
	op.ID = m.nextOpID
	cp := *op
	m.ops = append(m.ops, &cp)
}

func (m *MemoryStorage) recordOperation(ctx context.Context, op *model.Operation) error {
	m.mu.Lock()
	m.appendOperation(op)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) ListOperations(ctx context.Context, certificateID string, limit int) ([]*model.Operation, error) {
	if limit <= 0 {
		limit = DefaultOperationLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Operation, 0)
	for i := len(m.ops) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ops[i].CertificateID == certificateID {
			cp := *m.ops[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PerformedAt.After(out[j].PerformedAt) })
	return out, nil
}

func (m *MemoryStorage) upsertProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *cfg
	if existing, ok := m.providers[string(cfg.ProviderName)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.providers[string(cfg.ProviderName)] = &cp
	cfg.UpdatedAt = now
	return nil
}

func (m *MemoryStorage) GetProviderConfig(ctx context.Context, name string) (*model.ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.providers[name]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStorage) ListProviderConfigs(ctx context.Context) ([]*model.ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ProviderConfig, 0, len(m.providers))
	for _, cfg := range m.providers {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderName < out[j].ProviderName })
	return out, nil
}

func (m *MemoryStorage) ensureProviderConfig(ctx context.Context, name string, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[name]; ok {
		return nil
	}
	now := time.Now().UTC()
	m.providers[name] = &model.ProviderConfig{
		ProviderName:  model.CAProvider(name),
		IsActive:      true,
		Endpoint:      endpoint,
		Configuration: map[string]any{"endpoint": endpoint},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return nil
}

func (m *MemoryStorage) saveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[apiKey] = append([]string(nil), roles...)
	return nil
}

func (m *MemoryStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles, ok := m.apiKeys[apiKey]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), roles...), nil
}
