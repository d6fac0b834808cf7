package provider

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/model"
)

const (
	entrustDefaultMonths = 12
	entrustDefaultType   = "STANDARD_SSL"
)

// EntrustProvider submits requests to Entrust Certificate Services. Issue returns a tracking id
// in pending state.
type EntrustProvider struct {
	opts CommercialOptions
	rest *restClient
}

var _ Provider = (*EntrustProvider)(nil)

func NewEntrustProvider(opts CommercialOptions) *EntrustProvider {
	p := &EntrustProvider{opts: opts}
	p.rest = newRESTClient(model.ProviderEntrust, opts.BaseURL, opts.Timeout, func(r *http.Request) {
		r.Header.Set("X-API-Key", opts.APIKey)
	})
	return p
}

func (p *EntrustProvider) Name() model.CAProvider            { return model.ProviderEntrust }
func (p *EntrustProvider) Connect(ctx context.Context) error { return p.rest.connect() }
func (p *EntrustProvider) Close() error                      { return p.rest.close() }

type entrustCertificate struct {
	TrackingID   string   `json:"trackingId"`
	Certificate  string   `json:"certificate"`
	Chain        []string `json:"chainCerts"`
	Status       string   `json:"status"`
	SerialNumber string   `json:"serialNumber"`
}

const entrustPath = "/api/client/v2/certificates"

func (p *EntrustProvider) Issue(ctx context.Context, req *IssueRequest) (*CertificateResult, error) {
	keyPEM, err := ensureCSR(req)
	if err != nil {
		return nil, err
	}
	certType := p.opts.Product
	if certType == "" {
		certType = entrustDefaultType
	}
	org := req.Organization
	if org == "" {
		org = p.opts.AccountID
	}
	months := validityMonths(req.Validity, entrustDefaultMonths)
	body := map[string]any{
		"certificateType": certType,
		"csr":             req.CSR,
		"validityPeriod":  months,
		"organization":    org,
		"commonName":      req.CommonName,
	}
	if len(req.AltNames) > 0 {
		body["subjectAltNames"] = req.AltNames
	}

	var out entrustCertificate
	if _, _, err := p.rest.do(ctx, http.MethodPost, entrustPath, body, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	if out.TrackingID == "" {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: http.StatusBadGateway, Message: "response carried no tracking id"}
	}
	res := &CertificateResult{
		Identifier:     out.TrackingID,
		Status:         model.StatusPending,
		CertificatePEM: out.Certificate,
		CAChain:        out.Chain,
		PrivateKeyPEM:  keyPEM,
		Metadata:       map[string]any{"tracking_id": out.TrackingID, "validity_months": months},
	}
	// Some accounts auto-approve and return the certificate straight away.
	if out.Certificate != "" {
		res.Status = model.StatusIssued
		completeFromPEM(res)
	}
	logger.Info("Certificate request submitted to Entrust", zap.String("common_name", req.CommonName), zap.String("tracking_id", out.TrackingID))
	return res, nil
}

func (p *EntrustProvider) Revoke(ctx context.Context, identifier, reason string) (*RevocationResult, error) {
	reason = NormalizeReason(reason)
	path := entrustPath + "/" + url.PathEscape(identifier) + "/revoke"
	_, _, err := p.rest.do(ctx, http.MethodPost, path, map[string]any{"reason": reason}, nil, http.StatusOK)
	res := &RevocationResult{Identifier: identifier, Status: model.StatusRevoked, Reason: reason, RevokedAt: nowUTC()}
	if err != nil {
		if !alreadyRevoked(err) {
			return nil, err
		}
		res.AlreadyRevoked = true
	}
	logger.Info("Certificate revoked from Entrust", zap.String("certificate_id", identifier), zap.Bool("already_revoked", res.AlreadyRevoked))
	return res, nil
}

func (p *EntrustProvider) Fetch(ctx context.Context, identifier string) (*CertificateResult, error) {
	var out entrustCertificate
	if _, _, err := p.rest.do(ctx, http.MethodGet, entrustPath+"/"+url.PathEscape(identifier), nil, &out); err != nil {
		return nil, err
	}
	res := &CertificateResult{
		Identifier:     identifier,
		SerialNumber:   out.SerialNumber,
		Status:         remoteStatus(out.Status),
		CertificatePEM: out.Certificate,
		CAChain:        out.Chain,
	}
	if res.Status == model.StatusPending && out.Certificate != "" {
		res.Status = model.StatusIssued
	}
	completeFromPEM(res)
	return res, nil
}

func (p *EntrustProvider) List(ctx context.Context) ([]string, error) {
	var out struct {
		Certificates []entrustCertificate `json:"certificates"`
	}
	if _, _, err := p.rest.do(ctx, http.MethodGet, entrustPath, nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Certificates))
	for _, c := range out.Certificates {
		ids = append(ids, c.TrackingID)
	}
	return ids, nil
}
