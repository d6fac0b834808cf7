package tools

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/provider"
)

// IssueResult is returned by issue_certificate. The private key is only present on the first response.
type IssueResult struct {
	Certificate *model.Certificate `json:"certificate"`
	Pending     bool               `json:"pending"`
	Replayed    bool               `json:"replayed,omitempty"`
}

// pendingEntry is queued for resolve_pending_certificates.
type pendingEntry struct {
	CertificateID string           `json:"certificate_id"`
	CAProvider    model.CAProvider `json:"ca_provider"`
}

// IssueCertificate handles issue_certificate.
func (s *Service) IssueCertificate(ctx context.Context, params map[string]any) (any, error) {
	const op = "issue_certificate"
	var p issueParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	p.CommonName = strings.TrimSpace(p.CommonName)
	if p.CommonName == "" {
		return nil, apperr.Validation(op, "common_name is required")
	}
	providerName, err := parseProvider(op, p.CAProvider)
	if err != nil {
		return nil, err
	}
	certType, err := model.ParseCertificateType(p.CertificateType)
	if err != nil {
		return nil, apperr.New(op, apperr.KindValidation, err)
	}
	validity, err := p.validity()
	if err != nil {
		return nil, err
	}

	if p.IdempotencyKey != "" {
		if replay, ok := s.replay(ctx, p.IdempotencyKey); ok {
			logger.Info("Replaying issuance for idempotency key", zap.String("idempotency_key", p.IdempotencyKey))
			return replay, nil
		}
	}

	prov, err := s.providers.Active(ctx, string(providerName))
	if err != nil {
		return nil, err
	}

	req := &provider.IssueRequest{
		CommonName:         p.CommonName,
		AltNames:           p.AltNames,
		Organization:       p.Organization,
		OrganizationalUnit: p.OrganizationalUnit,
		CertificateType:    certType,
		Validity:           validity,
		CSR:                p.CSR,
		Role:               p.Role,
		Metadata:           p.Metadata,
	}
	performedBy := s.performedBy(ctx, p.PerformedBy)
	requestSnapshot := map[string]any{
		"common_name":      p.CommonName,
		"ca_provider":      providerName,
		"alt_names":        p.AltNames,
		"certificate_type": certType,
		"validity_days":    int(validity.Hours() / 24),
	}
	fallbackID := uuid.NewString()

	// The provider call runs outside any store transaction.
	res, err := prov.Issue(ctx, req)
	if err != nil {
		logger.Error("Certificate issuance failed",
			zap.String("provider", string(providerName)),
			zap.String("common_name", p.CommonName),
			zap.Error(err))
		s.record(ctx, model.NewOperation(fallbackID, model.OperationIssue, requestSnapshot, nil, err.Error(), performedBy))
		return nil, err
	}

	now := s.now()
	cert := &model.Certificate{
		CertificateID:      res.Identifier,
		SerialNumber:       res.SerialNumber,
		CommonName:         p.CommonName,
		Organization:       p.Organization,
		OrganizationalUnit: p.OrganizationalUnit,
		CAProvider:         providerName,
		CertificateType:    certType,
		Status:             res.Status,
		CertificatePEM:     res.CertificatePEM,
		PrivateKeyPEM:      res.PrivateKeyPEM,
		CAChain:            res.CAChain,
		AltNames:           p.AltNames,
		ValidityDays:       int(validity.Hours() / 24),
		IssuedAt:           res.IssuedAt,
		ExpiresAt:          res.ExpiresAt,
		Metadata:           mergeMetadata(p.Metadata, res.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if cert.CertificateID == "" {
		cert.CertificateID = fallbackID
	}
	if cert.Status == "" {
		cert.Status = model.StatusIssued
	}
	if cert.Status == model.StatusIssued && cert.IssuedAt == nil {
		cert.IssuedAt = &now
	}

	issueOp := model.NewOperation(cert.CertificateID, model.OperationIssue, requestSnapshot, res, "", performedBy)
	if err := s.store.SaveCertificate(ctx, cert, issueOp); err != nil {
		// The CA has issued but the inventory does not know; keep the trail on the audit log.
		logger.Error("Issued certificate could not be saved",
			zap.String("certificate_id", cert.CertificateID),
			zap.String("serial_number", cert.SerialNumber),
			zap.Error(err))
		return nil, err
	}

	pending := cert.Status == model.StatusPending
	if pending {
		s.cache.PushToList(ctx, pendingQueueKey, pendingEntry{CertificateID: cert.CertificateID, CAProvider: providerName}, false)
	}
	s.index(ctx, cert)

	logger.Info("Certificate issued",
		zap.String("certificate_id", cert.CertificateID),
		zap.String("provider", string(providerName)),
		zap.String("status", string(cert.Status)))

	result := &IssueResult{Certificate: cert, Pending: pending}
	if p.IdempotencyKey != "" {
		s.remember(ctx, p.IdempotencyKey, &IssueResult{Certificate: cert.Redacted(), Pending: pending})
	}
	return result, nil
}

// replay returns the cached result for an idempotency key.
func (s *Service) replay(ctx context.Context, key string) (*IssueResult, bool) {
	if !s.cache.IsSetMember(ctx, idempotencyKeysKey, key) {
		return nil, false
	}
	var res IssueResult
	if !s.cache.GetJSON(ctx, idempotencyPrefix+key, &res) || res.Certificate == nil {
		return nil, false
	}
	res.Replayed = true
	return &res, true
}

func (s *Service) remember(ctx context.Context, key string, res *IssueResult) {
	if s.cache.Set(ctx, idempotencyPrefix+key, res, s.opts.IdempotencyTTL) {
		s.cache.AddToSet(ctx, idempotencyKeysKey, key)
	}
}

func mergeMetadata(requested, returned map[string]any) map[string]any {
	if len(requested) == 0 && len(returned) == 0 {
		return nil
	}
	out := make(map[string]any, len(requested)+len(returned))
	for k, v := range requested {
		out[k] = v
	}
	for k, v := range returned {
		out[k] = v
	}
	return out
}
