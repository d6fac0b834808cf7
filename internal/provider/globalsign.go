package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/model"
)

const globalSignDefaultMonths = 12

// GlobalSignProvider talks to the GlobalSign certificate API. Issuance is synchronous.
type GlobalSignProvider struct {
	opts CommercialOptions
	rest *restClient
}

var _ Provider = (*GlobalSignProvider)(nil)

func NewGlobalSignProvider(opts CommercialOptions) *GlobalSignProvider {
	p := &GlobalSignProvider{opts: opts}
	p.rest = newRESTClient(model.ProviderGlobalSign, opts.BaseURL, opts.Timeout, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+opts.APIKey)
	})
	return p
}

func (p *GlobalSignProvider) Name() model.CAProvider            { return model.ProviderGlobalSign }
func (p *GlobalSignProvider) Connect(ctx context.Context) error { return p.rest.connect() }
func (p *GlobalSignProvider) Close() error                      { return p.rest.close() }

type globalSignCertificate struct {
	ID           string `json:"id"`
	Certificate  string `json:"certificate"`
	Status       string `json:"status"`
	SerialNumber string `json:"serial_number"`
	RevokedAt    string `json:"revoked_at"`
}

func (p *GlobalSignProvider) certificateType(t model.CertificateType) string {
	if p.opts.Product != "" && (t == "" || t == model.TypeSSL) {
		return p.opts.Product
	}
	if t == "" {
		return "SSL"
	}
	return strings.ToUpper(strings.ReplaceAll(string(t), "-", "_"))
}

func (p *GlobalSignProvider) Issue(ctx context.Context, req *IssueRequest) (*CertificateResult, error) {
	keyPEM, err := ensureCSR(req)
	if err != nil {
		return nil, err
	}
	months := validityMonths(req.Validity, globalSignDefaultMonths)
	body := map[string]any{
		"certificate_type":    p.certificateType(req.CertificateType),
		"common_name":         req.CommonName,
		"validity_period":     months,
		"csr":                 req.CSR,
		"organization":        req.Organization,
		"organizational_unit": req.OrganizationalUnit,
	}
	if len(req.AltNames) > 0 {
		body["subject_alt_names"] = req.AltNames
	}

	var out globalSignCertificate
	if _, _, err := p.rest.do(ctx, http.MethodPost, "/v2/certificates", body, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: http.StatusBadGateway, Message: "response carried no certificate id"}
	}

	now := time.Now().UTC()
	res := &CertificateResult{
		Identifier:     out.ID,
		SerialNumber:   out.SerialNumber,
		Status:         model.StatusIssued,
		CertificatePEM: out.Certificate,
		PrivateKeyPEM:  keyPEM,
		Metadata:       map[string]any{"validity_months": months},
	}
	completeFromPEM(res)
	if res.IssuedAt == nil {
		res.IssuedAt = timePtr(now)
	}
	if res.ExpiresAt == nil {
		res.ExpiresAt = timePtr(now.AddDate(0, 0, months*30))
	}
	logger.Info("Certificate issued from GlobalSign", zap.String("common_name", req.CommonName), zap.String("certificate_id", out.ID))
	return res, nil
}

func (p *GlobalSignProvider) Revoke(ctx context.Context, identifier, reason string) (*RevocationResult, error) {
	reason = NormalizeReason(reason)
	path := "/v2/certificates/" + url.PathEscape(identifier) + "/revoke"
	_, _, err := p.rest.do(ctx, http.MethodPost, path, map[string]any{"reason": reason}, nil, http.StatusOK)
	res := &RevocationResult{Identifier: identifier, Status: model.StatusRevoked, Reason: reason, RevokedAt: time.Now().UTC()}
	if err != nil {
		if !alreadyRevoked(err) {
			return nil, err
		}
		res.AlreadyRevoked = true
	}
	logger.Info("Certificate revoked from GlobalSign", zap.String("certificate_id", identifier), zap.Bool("already_revoked", res.AlreadyRevoked))
	return res, nil
}

func (p *GlobalSignProvider) Fetch(ctx context.Context, identifier string) (*CertificateResult, error) {
	var out globalSignCertificate
	if _, _, err := p.rest.do(ctx, http.MethodGet, "/v2/certificates/"+url.PathEscape(identifier), nil, &out); err != nil {
		return nil, err
	}
	res := &CertificateResult{
		Identifier:     identifier,
		SerialNumber:   out.SerialNumber,
		Status:         model.StatusIssued,
		CertificatePEM: out.Certificate,
	}
	if out.Status != "" {
		res.Status = remoteStatus(out.Status)
	}
	if t, err := time.Parse(time.RFC3339, out.RevokedAt); err == nil {
		res.RevokedAt = timePtr(t.UTC())
	}
	completeFromPEM(res)
	return res, nil
}

func (p *GlobalSignProvider) List(ctx context.Context) ([]string, error) {
	var out struct {
		Certificates []globalSignCertificate `json:"certificates"`
	}
	if _, _, err := p.rest.do(ctx, http.MethodGet, "/v2/certificates", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Certificates))
	for _, c := range out.Certificates {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
