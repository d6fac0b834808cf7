package tools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/storage"
)

// RevokeResult is returned by revoke_certificate.
type RevokeResult struct {
	CertificateID    string       `json:"certificate_id"`
	SerialNumber     string       `json:"serial_number,omitempty"`
	Status           model.Status `json:"status"`
	RevokedAt        *time.Time   `json:"revoked_at,omitempty"`
	RevocationReason string       `json:"revocation_reason,omitempty"`
	AlreadyRevoked   bool         `json:"already_revoked"`
}

// loadCertificate resolves a lookup and turns an absent row into a not_found error.
func (s *Service) loadCertificate(ctx context.Context, op string, lookup storage.Lookup) (*model.Certificate, error) {
	if err := lookup.Validate(op); err != nil {
		return nil, err
	}
	cert, err := s.store.GetCertificate(ctx, lookup)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, apperr.New(op, apperr.KindNotFound, fmt.Errorf("%w: %s", apperr.ErrCertificateNotFound, lookup))
	}
	return cert, nil
}

// RevokeCertificate handles revoke_certificate. Revoking a revoked certificate succeeds without calling the CA.
func (s *Service) RevokeCertificate(ctx context.Context, params map[string]any) (any, error) {
	const op = "revoke_certificate"
	var p revokeParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	providerName, err := parseProvider(op, p.CAProvider)
	if err != nil {
		return nil, err
	}
	cert, err := s.loadCertificate(ctx, op, p.lookup())
	if err != nil {
		return nil, err
	}
	if cert.CAProvider != providerName {
		return nil, apperr.Validation(op, "certificate %s was issued by %s, not %s", cert.CertificateID, cert.CAProvider, providerName)
	}
	if cert.Status.IsTerminal() {
		return &RevokeResult{
			CertificateID:    cert.CertificateID,
			SerialNumber:     cert.SerialNumber,
			Status:           cert.Status,
			RevokedAt:        cert.RevokedAt,
			RevocationReason: cert.RevocationReason,
			AlreadyRevoked:   cert.Status == model.StatusRevoked,
		}, nil
	}

	prov, err := s.providers.Active(ctx, string(providerName))
	if err != nil {
		return nil, err
	}
	performedBy := s.performedBy(ctx, p.PerformedBy)
	request := map[string]any{"reason": p.Reason, "ca_provider": providerName, "serial_number": cert.SerialNumber}

	rev, err := prov.Revoke(ctx, cert.CertificateID, p.Reason)
	if err != nil {
		logger.Error("Certificate revocation failed",
			zap.String("certificate_id", cert.CertificateID),
			zap.String("provider", string(providerName)),
			zap.Error(err))
		s.record(ctx, model.NewOperation(cert.CertificateID, model.OperationRevoke, request, nil, err.Error(), performedBy))
		return nil, err
	}

	reason := rev.Reason
	if reason == "" {
		reason = provider.NormalizeReason(p.Reason)
	}
	revokedAt := rev.RevokedAt
	update := storage.StatusUpdate{
		Lookup:        storage.Lookup{CertificateID: cert.CertificateID},
		Status:        model.StatusRevoked,
		Reason:        reason,
		PerformedBy:   performedBy,
		OperationType: model.OperationRevoke,
		OperationData: map[string]any{"request": request, "provider_result": rev},
	}
	if !revokedAt.IsZero() {
		update.RevokedAt = &revokedAt
	}
	res, err := s.store.UpdateCertificateStatus(ctx, update)
	if err != nil {
		logger.Error("Certificate revoked at CA but status update failed",
			zap.String("certificate_id", cert.CertificateID),
			zap.Error(err))
		return nil, err
	}
	s.invalidate(ctx, res.Certificate)

	logger.Info("Certificate revoked",
		zap.String("certificate_id", cert.CertificateID),
		zap.String("provider", string(providerName)),
		zap.String("reason", reason),
		zap.Bool("changed", res.Changed))

	updated := res.Certificate
	return &RevokeResult{
		CertificateID:    updated.CertificateID,
		SerialNumber:     updated.SerialNumber,
		Status:           updated.Status,
		RevokedAt:        updated.RevokedAt,
		RevocationReason: updated.RevocationReason,
		AlreadyRevoked:   !res.Changed && res.PreviousStatus == model.StatusRevoked,
	}, nil
}
