package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/storage"
)

const defaultResolveLimit = 50

// ResolvedEntry is the outcome for one pending certificate.
type ResolvedEntry struct {
	CertificateID string       `json:"certificate_id"`
	Status        model.Status `json:"status"`
	Error         string       `json:"error,omitempty"`
}

// ResolveSummary is returned by resolve_pending_certificates.
type ResolveSummary struct {
	Checked      int             `json:"checked"`
	Issued       int             `json:"issued"`
	Revoked      int             `json:"revoked"`
	StillPending int             `json:"still_pending"`
	Failed       int             `json:"failed"`
	Certificates []ResolvedEntry `json:"certificates"`
}

// ResolvePending handles resolve_pending_certificates. Freshly queued orders go first, then pending rows from the
// store, so nothing is lost when the cache was flushed and orders that stay pending are picked up on a later pass.
func (s *Service) ResolvePending(ctx context.Context, params map[string]any) (any, error) {
	const op = "resolve_pending_certificates"
	var p resolveParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = defaultResolveLimit
	}
	if p.Limit < 0 || p.Limit > storage.MaxInventoryLimit {
		return nil, apperr.Validation(op, "limit must be between 1 and %d", storage.MaxInventoryLimit)
	}
	performedBy := s.performedBy(ctx, p.PerformedBy)

	ids, err := s.pendingCandidates(ctx, p.Limit)
	if err != nil {
		return nil, err
	}

	summary := &ResolveSummary{Certificates: []ResolvedEntry{}}
	for _, id := range ids {
		cert, err := s.store.GetCertificate(ctx, storage.Lookup{CertificateID: id})
		if err != nil {
			return nil, err
		}
		if cert == nil || cert.Status != model.StatusPending {
			continue
		}
		summary.Checked++
		entry := s.resolveOne(ctx, cert, performedBy)
		switch {
		case entry.Error != "":
			summary.Failed++
		case entry.Status == model.StatusIssued:
			summary.Issued++
		case entry.Status == model.StatusRevoked:
			summary.Revoked++
		default:
			summary.StillPending++
		}
		summary.Certificates = append(summary.Certificates, entry)
	}

	logger.Info("Resolved pending certificates",
		zap.Int("checked", summary.Checked),
		zap.Int("issued", summary.Issued),
		zap.Int("still_pending", summary.StillPending),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// pendingCandidates drains up to limit queued entries and tops up from pending store rows, without duplicates.
// The top-up resumes where the previous call stopped and wraps once, so orders that stay pending do not starve
// the rows behind them.
func (s *Service) pendingCandidates(ctx context.Context, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for len(ids) < limit {
		v, ok := s.cache.PopFromList(ctx, pendingQueueKey, true)
		if !ok {
			break
		}
		if m, ok := v.(map[string]any); ok {
			id, _ := m["certificate_id"].(string)
			add(id)
		}
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	offset := s.pendingOffset
	wrapped := offset == 0
	for len(ids) < limit {
		page, err := s.store.ListCertificates(ctx, storage.InventoryQuery{Status: model.StatusPending, Limit: limit, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, c := range page.Certificates {
			if len(ids) >= limit {
				break
			}
			add(c.CertificateID)
			offset++
		}
		if len(page.Certificates) == 0 || offset >= page.Total {
			offset = 0
			if wrapped {
				break
			}
			wrapped = true
		}
	}
	s.pendingOffset = offset
	return ids, nil
}

// resolveOne polls the provider for one pending certificate.
func (s *Service) resolveOne(ctx context.Context, cert *model.Certificate, performedBy string) ResolvedEntry {
	entry := ResolvedEntry{CertificateID: cert.CertificateID, Status: cert.Status}
	prov, err := s.providers.Active(ctx, string(cert.CAProvider))
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	res, err := prov.Fetch(ctx, cert.CertificateID)
	if err != nil {
		logger.Warn("Failed to poll pending certificate",
			zap.String("certificate_id", cert.CertificateID),
			zap.Error(err))
		entry.Error = err.Error()
		return entry
	}

	update := storage.StatusUpdate{
		Lookup:        storage.Lookup{CertificateID: cert.CertificateID},
		PerformedBy:   performedBy,
		OperationData: map[string]any{"source": "resolve_pending_certificates", "provider_status": res.Status},
	}
	switch res.Status {
	case model.StatusIssued, model.StatusActive:
		update.Status = model.StatusIssued
		update.Material = &storage.Material{
			SerialNumber:   res.SerialNumber,
			CertificatePEM: res.CertificatePEM,
			PrivateKeyPEM:  res.PrivateKeyPEM,
			CAChain:        res.CAChain,
			IssuedAt:       res.IssuedAt,
			ExpiresAt:      res.ExpiresAt,
		}
	case model.StatusRevoked:
		update.Status = model.StatusRevoked
		update.RevokedAt = res.RevokedAt
	case model.StatusPending:
		return entry
	default:
		entry.Error = fmt.Sprintf("provider reports status %s for a pending order", res.Status)
		return entry
	}

	out, err := s.store.UpdateCertificateStatus(ctx, update)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.Status = out.Certificate.Status
	s.invalidate(ctx, out.Certificate)
	s.index(ctx, out.Certificate)
	return entry
}
