package tools

import (
	"context"
	"strings"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/certutil"
	"github.com/blockadesystems/certfleet/internal/model"
)

// AnalyzeCertificate handles analyze_certificate. Only a successful analysis tied to a certificate_id is audited.
func (s *Service) AnalyzeCertificate(ctx context.Context, params map[string]any) (any, error) {
	const op = "analyze_certificate"
	var p analyzeParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.CertificatePEM) == "" {
		return nil, apperr.Validation(op, "certificate_pem is required")
	}
	analysis, err := certutil.Analyze([]byte(p.CertificatePEM), s.now())
	if err != nil {
		return nil, apperr.Validation(op, "invalid certificate: %v", err)
	}
	analysis.CertificateID = strings.TrimSpace(p.CertificateID)
	if analysis.CertificateID != "" {
		data := map[string]any{"serial_number": analysis.SerialNumber, "common_name": analysis.CommonName}
		result := map[string]any{
			"risk_score":      analysis.RiskScore,
			"overall_status":  analysis.OverallStatus,
			"security_issues": analysis.SecurityIssues,
		}
		s.record(ctx, model.NewOperation(analysis.CertificateID, model.OperationAnalyze, data, result, "", s.performedBy(ctx, p.PerformedBy)))
	}
	return analysis, nil
}
