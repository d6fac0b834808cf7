package tools

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/cache"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/monitor"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/storage"
)

// CertificateView is returned by get_certificate. Private key material is never included.
type CertificateView struct {
	Certificate     *model.Certificate          `json:"certificate"`
	DaysUntilExpiry *int                        `json:"days_until_expiry,omitempty"`
	Cached          bool                        `json:"cached"`
	ProviderState   *provider.CertificateResult `json:"provider_state,omitempty"`
	ProviderError   string                      `json:"provider_error,omitempty"`
}

// GetCertificate handles get_certificate with a cache-aside read.
func (s *Service) GetCertificate(ctx context.Context, params map[string]any) (any, error) {
	const op = "get_certificate"
	var p getParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	lookup := p.lookup()
	if err := lookup.Validate(op); err != nil {
		return nil, err
	}
	var want model.CAProvider
	if p.CAProvider != "" {
		var err error
		if want, err = parseProvider(op, p.CAProvider); err != nil {
			return nil, err
		}
	}

	view := &CertificateView{}
	if cert, ok := s.cached(ctx, lookup); ok {
		view.Certificate, view.Cached = cert, true
	} else {
		cert, err := s.loadCertificate(ctx, op, lookup)
		if err != nil {
			return nil, err
		}
		view.Certificate = cert.Redacted()
		s.cache.Set(ctx, cache.CertificateKey(cert.CertificateID), view.Certificate, s.opts.CertificateTTL)
		s.index(ctx, cert)
	}
	cert := view.Certificate
	if want != "" && cert.CAProvider != want {
		return nil, apperr.NotFound(op, "%s certificate %s not found", want, lookup)
	}
	if days, ok := cert.DaysUntilExpiry(s.now()); ok {
		view.DaysUntilExpiry = &days
	}

	if p.Refresh {
		state, err := s.fetchProviderState(ctx, cert)
		if err != nil {
			logger.Warn("Failed to refresh certificate from provider",
				zap.String("certificate_id", cert.CertificateID),
				zap.Error(err))
			view.ProviderError = err.Error()
		} else {
			view.ProviderState = state
		}
	}
	return view, nil
}

func (s *Service) cached(ctx context.Context, lookup storage.Lookup) (*model.Certificate, bool) {
	id := lookup.CertificateID
	if id == "" {
		v, ok := s.cache.GetHash(ctx, serialIndexKey, serialKey(lookup.SerialNumber))
		if !ok {
			return nil, false
		}
		if id, ok = v.(string); !ok || id == "" {
			return nil, false
		}
	}
	var cert model.Certificate
	if !s.cache.GetJSON(ctx, cache.CertificateKey(id), &cert) || cert.CertificateID == "" {
		return nil, false
	}
	return &cert, true
}

func (s *Service) fetchProviderState(ctx context.Context, cert *model.Certificate) (*provider.CertificateResult, error) {
	prov, err := s.providers.Active(ctx, string(cert.CAProvider))
	if err != nil {
		return nil, err
	}
	return prov.Fetch(ctx, cert.CertificateID)
}

// GetInventory handles get_certificate_inventory.
func (s *Service) GetInventory(ctx context.Context, params map[string]any) (any, error) {
	const op = "get_certificate_inventory"
	var p inventoryParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	q := storage.InventoryQuery{
		CommonName:   strings.TrimSpace(p.CommonName),
		Organization: strings.TrimSpace(p.Organization),
		Limit:        p.Limit,
		Offset:       p.Offset,
	}
	if p.CAProvider != "" {
		prov, err := parseProvider(op, p.CAProvider)
		if err != nil {
			return nil, err
		}
		q.CAProvider = prov
	}
	if p.Status != "" {
		st, err := model.ParseStatus(p.Status)
		if err != nil {
			return nil, apperr.New(op, apperr.KindValidation, err)
		}
		q.Status = st
	}
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	return s.store.ListCertificates(ctx, q)
}

// UpdateStatus handles update_certificate_status.
func (s *Service) UpdateStatus(ctx context.Context, params map[string]any) (any, error) {
	const op = "update_certificate_status"
	var p statusParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	lookup := p.lookup()
	if err := lookup.Validate(op); err != nil {
		return nil, err
	}
	status, err := model.ParseStatus(p.Status)
	if err != nil {
		return nil, apperr.New(op, apperr.KindValidation, err)
	}
	res, err := s.store.UpdateCertificateStatus(ctx, storage.StatusUpdate{
		Lookup:      lookup,
		Status:      status,
		Reason:      p.Reason,
		PerformedBy: s.performedBy(ctx, p.PerformedBy),
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.invalidate(ctx, res.Certificate)
	}
	res.Certificate = res.Certificate.Redacted()
	return res, nil
}

// GetOperations handles get_certificate_operations.
func (s *Service) GetOperations(ctx context.Context, params map[string]any) (any, error) {
	const op = "get_certificate_operations"
	var p operationsParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.CertificateID)
	if id == "" {
		return nil, apperr.Validation(op, "certificate_id is required")
	}
	if p.Limit < 0 || p.Limit > storage.MaxInventoryLimit {
		return nil, apperr.Validation(op, "limit must be between 1 and %d", storage.MaxInventoryLimit)
	}
	ops, err := s.store.ListOperations(ctx, id, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"certificate_id": id, "operations": ops, "count": len(ops)}, nil
}

// ListProviderCertificates handles list_provider_certificates.
func (s *Service) ListProviderCertificates(ctx context.Context, params map[string]any) (any, error) {
	const op = "list_provider_certificates"
	var p providerParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	name, err := parseProvider(op, p.CAProvider)
	if err != nil {
		return nil, err
	}
	prov, err := s.providers.Active(ctx, string(name))
	if err != nil {
		return nil, err
	}
	ids, err := prov.List(ctx)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return map[string]any{"ca_provider": name, "certificates": ids, "count": len(ids)}, nil
}

// GetToolUsage handles get_tool_usage.
func (s *Service) GetToolUsage(ctx context.Context, _ map[string]any) (any, error) {
	usage := make(map[string]int64)
	var total int64
	for _, m := range s.cache.SetMembers(ctx, usageToolsKey) {
		name, ok := m.(string)
		if !ok {
			continue
		}
		v, ok := s.cache.Get(ctx, usageKeyPrefix+name)
		if !ok {
			continue
		}
		n := toInt64(v)
		usage[name] = n
		total += n
	}
	return map[string]any{"usage": usage, "total": total}, nil
}

// toInt64 converts a counter read back through the cache's JSON decoding.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// RunExpiryScan handles run_expiry_scan.
func (s *Service) RunExpiryScan(ctx context.Context, _ map[string]any) (any, error) {
	const op = "run_expiry_scan"
	if s.scanner == nil {
		return nil, apperr.Validation(op, "the expiry monitor is not enabled")
	}
	report, err := s.scanner.RunOnce(ctx)
	if errors.Is(err, monitor.ErrRunInProgress) {
		return map[string]any{"skipped": true, "reason": "an expiry scan is already running"}, nil
	}
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	return report, nil
}
