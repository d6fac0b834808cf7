package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/certutil"
	"github.com/blockadesystems/certfleet/internal/model"
)

const (
	digiCertDefaultYears   = 1
	digiCertDefaultProduct = "ssl_plus"
)

// digiCertReasons maps canonical reasons onto DigiCert's enumerated vocabulary.
var digiCertReasons = map[string]string{
	"unspecified":            "unspecified",
	"key-compromise":         "key_compromise",
	"affiliation-changed":    "affiliation_changed",
	"superseded":             "superseded",
	"cessation-of-operation": "cessation_of_operation",
}

// DigiCertProvider places orders with DigiCert CertCentral. Issuance is asynchronous: Issue
// returns the order id in pending state and Fetch picks the certificate up once issued.
type DigiCertProvider struct {
	opts CommercialOptions
	rest *restClient
}

var _ Provider = (*DigiCertProvider)(nil)

func NewDigiCertProvider(opts CommercialOptions) *DigiCertProvider {
	p := &DigiCertProvider{opts: opts}
	p.rest = newRESTClient(model.ProviderDigiCert, opts.BaseURL, opts.Timeout, func(r *http.Request) {
		r.Header.Set("X-DC-DEVKEY", opts.APIKey)
	})
	return p
}

func (p *DigiCertProvider) Name() model.CAProvider            { return model.ProviderDigiCert }
func (p *DigiCertProvider) Connect(ctx context.Context) error { return p.rest.connect() }
func (p *DigiCertProvider) Close() error                      { return p.rest.close() }

func (p *DigiCertProvider) product() string {
	if p.opts.Product != "" {
		return p.opts.Product
	}
	return digiCertDefaultProduct
}

func (p *DigiCertProvider) Issue(ctx context.Context, req *IssueRequest) (*CertificateResult, error) {
	keyPEM, err := ensureCSR(req)
	if err != nil {
		return nil, err
	}
	org := req.Organization
	if org == "" {
		org = p.opts.AccountID
	}
	years := validityYears(req.Validity, digiCertDefaultYears)
	product := p.product()

	cert := map[string]any{
		"common_name":    req.CommonName,
		"csr":            req.CSR,
		"signature_hash": "sha256",
	}
	if len(req.AltNames) > 0 {
		cert["dns_names"] = req.AltNames
	}
	body := map[string]any{
		"certificate":    cert,
		"organization":   map[string]any{"name": org},
		"validity_years": years,
		"product":        map[string]any{"name_id": product},
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if _, _, err := p.rest.do(ctx, http.MethodPost, "/order/certificate/"+url.PathEscape(product), body, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	if out.ID == 0 {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: http.StatusBadGateway, Message: "response carried no order id"}
	}
	orderID := strconv.FormatInt(out.ID, 10)
	logger.Info("Certificate order placed with DigiCert", zap.String("common_name", req.CommonName), zap.String("order_id", orderID))
	return &CertificateResult{
		Identifier:    orderID,
		Status:        model.StatusPending,
		PrivateKeyPEM: keyPEM,
		Metadata:      map[string]any{"order_id": orderID, "validity_years": years, "product": product},
	}, nil
}

// Revoke revokes every certificate on the order named by identifier, the id Issue returned.
// The reason is mapped onto DigiCert's vocabulary; unknown reasons are sent as unspecified
// with the caller's text kept in the comments.
func (p *DigiCertProvider) Revoke(ctx context.Context, identifier, reason string) (*RevocationResult, error) {
	reason = NormalizeReason(reason)
	remote, ok := digiCertReasons[reason]
	comments := "Revoked by certfleet"
	if !ok {
		remote = "unspecified"
		comments = fmt.Sprintf("Revoked by certfleet: %s", reason)
	}
	path := "/order/certificate/" + url.PathEscape(identifier) + "/revoke"
	_, _, err := p.rest.do(ctx, http.MethodPut, path, map[string]any{"reason": remote, "comments": comments}, nil,
		http.StatusCreated, http.StatusNoContent, http.StatusOK)
	res := &RevocationResult{Identifier: identifier, Status: model.StatusRevoked, Reason: reason, RevokedAt: nowUTC()}
	if err != nil {
		if !alreadyRevoked(err) {
			return nil, err
		}
		res.AlreadyRevoked = true
	}
	logger.Info("Certificate order revoked with DigiCert", zap.String("order_id", identifier), zap.String("reason", remote))
	return res, nil
}

type digiCertOrder struct {
	ID          int64  `json:"id"`
	Status      string `json:"status"`
	Certificate struct {
		ID           int64  `json:"id"`
		CommonName   string `json:"common_name"`
		SerialNumber string `json:"serial_number"`
	} `json:"certificate"`
}

// Fetch reads the order and, once issued, downloads the PEM bundle (leaf first, then chain).
func (p *DigiCertProvider) Fetch(ctx context.Context, identifier string) (*CertificateResult, error) {
	var order digiCertOrder
	if _, _, err := p.rest.do(ctx, http.MethodGet, "/order/certificate/"+url.PathEscape(identifier), nil, &order); err != nil {
		return nil, err
	}
	res := &CertificateResult{
		Identifier:   identifier,
		SerialNumber: order.Certificate.SerialNumber,
		Status:       remoteStatus(order.Status),
		Metadata:     map[string]any{"order_status": order.Status},
	}
	if res.Status != model.StatusIssued || order.Certificate.ID == 0 {
		return res, nil
	}

	path := fmt.Sprintf("/certificate/%d/download/format/pem_all", order.Certificate.ID)
	raw, _, err := p.rest.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	chain := certutil.SplitChain(string(raw))
	if len(chain) > 0 {
		res.CertificatePEM = chain[0]
		res.CAChain = chain[1:]
	}
	completeFromPEM(res)
	return res, nil
}

func (p *DigiCertProvider) List(ctx context.Context) ([]string, error) {
	var out struct {
		Orders []digiCertOrder `json:"orders"`
	}
	if _, _, err := p.rest.do(ctx, http.MethodGet, "/order/certificate", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Orders))
	for _, o := range out.Orders {
		ids = append(ids, strconv.FormatInt(o.ID, 10))
	}
	return ids, nil
}
