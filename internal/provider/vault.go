package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/certutil"
	"github.com/blockadesystems/certfleet/internal/model"
)

// VaultOptions configures the internal PKI adapter.
type VaultOptions struct {
	Address    string
	Token      string
	Namespace  string
	Mount      string // Issuing mount, e.g. pki_int
	Role       string // Default role for issue/sign
	DefaultTTL string // Used when the request carries no validity
	Timeout    time.Duration
}

// VaultProvider issues from a HashiCorp Vault PKI secrets engine. Certificates are identified by serial.
type VaultProvider struct {
	opts VaultOptions

	mu         sync.RWMutex
	client     *api.Client
	httpClient *http.Client
}

var (
	_ Provider      = (*VaultProvider)(nil)
	_ HealthChecker = (*VaultProvider)(nil)
	_ CAInspector   = (*VaultProvider)(nil)
)

// NewVaultProvider returns an unconnected Vault adapter.
func NewVaultProvider(opts VaultOptions) *VaultProvider {
	if opts.Mount == "" {
		opts.Mount = "pki_int"
	}
	if opts.DefaultTTL == "" {
		opts.DefaultTTL = "8760h"
	}
	return &VaultProvider{opts: opts}
}

func (v *VaultProvider) Name() model.CAProvider { return model.ProviderInternalPKI }

// Connect builds the Vault client. No request is sent; reachability is checked by Health.
func (v *VaultProvider) Connect(ctx context.Context) error {
	cfg := api.DefaultConfig()
	if cfg.Error != nil {
		return fmt.Errorf("provider: failed to build vault config: %w", cfg.Error)
	}
	cfg.Address = v.opts.Address
	if v.opts.Timeout > 0 {
		cfg.Timeout = v.opts.Timeout
	}
	// Retries are the guard's job.
	cfg.MaxRetries = 0

	client, err := api.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("provider: failed to create vault client: %w", err)
	}
	client.SetToken(v.opts.Token)
	if v.opts.Namespace != "" {
		client.SetNamespace(v.opts.Namespace)
	}

	v.mu.Lock()
	v.client = client
	v.httpClient = cfg.HttpClient
	v.mu.Unlock()
	logger.Info("Vault client configured", zap.String("address", v.opts.Address), zap.String("mount", v.opts.Mount))
	return nil
}

func (v *VaultProvider) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.httpClient != nil {
		v.httpClient.CloseIdleConnections()
	}
	if v.client != nil {
		v.client.ClearToken()
	}
	v.client = nil
	v.httpClient = nil
	return nil
}

func (v *VaultProvider) vault() (*api.Client, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.client == nil {
		return nil, &ProviderError{Provider: v.Name(), Message: "not connected"}
	}
	return v.client, nil
}

func (v *VaultProvider) wrapErr(err error) error {
	var re *api.ResponseError
	if errors.As(err, &re) {
		msg := strings.Join(re.Errors, "; ")
		if msg == "" {
			msg = http.StatusText(re.StatusCode)
		}
		return &ProviderError{Provider: v.Name(), StatusCode: re.StatusCode, Message: msg}
	}
	return transportError(v.Name(), err)
}

func (v *VaultProvider) ttl(d time.Duration) string {
	if d <= 0 {
		return v.opts.DefaultTTL
	}
	return fmt.Sprintf("%dh", validityDays(d)*24)
}

// Issue calls <mount>/issue/<role>, or <mount>/sign/<role> when a CSR is supplied.
func (v *VaultProvider) Issue(ctx context.Context, req *IssueRequest) (*CertificateResult, error) {
	client, err := v.vault()
	if err != nil {
		return nil, err
	}
	role := req.Role
	if role == "" {
		role = v.opts.Role
	}

	data := map[string]interface{}{
		"common_name": req.CommonName,
		"format":      "pem",
		"ttl":         v.ttl(req.Validity),
	}
	var names, ips []string
	for _, n := range req.AltNames {
		if net.ParseIP(n) != nil {
			ips = append(ips, n)
		} else {
			names = append(names, n)
		}
	}
	if len(names) > 0 {
		data["alt_names"] = strings.Join(names, ",")
	}
	if len(ips) > 0 {
		data["ip_sans"] = strings.Join(ips, ",")
	}

	path := fmt.Sprintf("%s/issue/%s", v.opts.Mount, role)
	if strings.TrimSpace(req.CSR) != "" {
		path = fmt.Sprintf("%s/sign/%s", v.opts.Mount, role)
		data["csr"] = req.CSR
	}

	secret, err := client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, v.wrapErr(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, &ProviderError{Provider: v.Name(), StatusCode: http.StatusBadGateway, Message: "empty response from vault"}
	}

	serial := stringField(secret.Data, "serial_number")
	res := &CertificateResult{
		Identifier:     serial,
		SerialNumber:   serial,
		Status:         model.StatusIssued,
		CertificatePEM: stringField(secret.Data, "certificate"),
		PrivateKeyPEM:  stringField(secret.Data, "private_key"),
		CAChain:        stringSlice(secret.Data["ca_chain"]),
		Metadata: map[string]any{
			"vault_mount": v.opts.Mount,
			"vault_role":  role,
		},
	}
	if len(res.CAChain) == 0 {
		if issuing := stringField(secret.Data, "issuing_ca"); issuing != "" {
			res.CAChain = []string{issuing}
		}
	}
	if exp, ok := int64Field(secret.Data, "expiration"); ok && exp > 0 {
		res.ExpiresAt = timePtr(time.Unix(exp, 0).UTC())
	}
	completeFromPEM(res)
	logger.Info("Certificate issued via Vault PKI", zap.String("serial_number", serial), zap.String("role", role))
	return res, nil
}

// Revoke revokes by serial. Vault has no reason codes; the reason is only echoed back.
func (v *VaultProvider) Revoke(ctx context.Context, identifier, reason string) (*RevocationResult, error) {
	client, err := v.vault()
	if err != nil {
		return nil, err
	}
	reason = NormalizeReason(reason)

	current, err := v.readCert(ctx, client, identifier)
	if err != nil {
		return nil, err
	}
	if current.RevokedAt != nil {
		return &RevocationResult{Identifier: identifier, Status: model.StatusRevoked, Reason: reason, RevokedAt: *current.RevokedAt, AlreadyRevoked: true}, nil
	}

	secret, err := client.Logical().WriteWithContext(ctx, v.opts.Mount+"/revoke", map[string]interface{}{"serial_number": identifier})
	if err != nil {
		return nil, v.wrapErr(err)
	}
	revokedAt := time.Now().UTC()
	if secret != nil {
		if rt, ok := int64Field(secret.Data, "revocation_time"); ok && rt > 0 {
			revokedAt = time.Unix(rt, 0).UTC()
		}
	}
	logger.Info("Certificate revoked via Vault PKI", zap.String("serial_number", identifier), zap.String("reason", reason))
	return &RevocationResult{Identifier: identifier, Status: model.StatusRevoked, Reason: reason, RevokedAt: revokedAt}, nil
}

func (v *VaultProvider) Fetch(ctx context.Context, identifier string) (*CertificateResult, error) {
	client, err := v.vault()
	if err != nil {
		return nil, err
	}
	return v.readCert(ctx, client, identifier)
}

func (v *VaultProvider) readCert(ctx context.Context, client *api.Client, serial string) (*CertificateResult, error) {
	secret, err := client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/cert/%s", v.opts.Mount, serial))
	if err != nil {
		return nil, v.wrapErr(err)
	}
	if secret == nil || secret.Data == nil || stringField(secret.Data, "certificate") == "" {
		return nil, &ProviderError{Provider: v.Name(), StatusCode: http.StatusNotFound, Message: fmt.Sprintf("certificate %s not found", serial)}
	}
	res := &CertificateResult{
		Identifier:     serial,
		SerialNumber:   serial,
		Status:         model.StatusIssued,
		CertificatePEM: stringField(secret.Data, "certificate"),
	}
	completeFromPEM(res)
	if rt, ok := int64Field(secret.Data, "revocation_time"); ok && rt > 0 {
		res.Status = model.StatusRevoked
		res.RevokedAt = timePtr(time.Unix(rt, 0).UTC())
	} else if res.ExpiresAt != nil && res.ExpiresAt.Before(time.Now()) {
		res.Status = model.StatusExpired
	}
	return res, nil
}

// List returns the serials Vault knows for the issuing mount.
func (v *VaultProvider) List(ctx context.Context) ([]string, error) {
	client, err := v.vault()
	if err != nil {
		return nil, err
	}
	secret, err := client.Logical().ListWithContext(ctx, v.opts.Mount+"/certs")
	if err != nil {
		return nil, v.wrapErr(err)
	}
	if secret == nil || secret.Data == nil {
		return []string{}, nil
	}
	keys := stringSlice(secret.Data["keys"])
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Health fails when Vault is unreachable, sealed or uninitialized.
func (v *VaultProvider) Health(ctx context.Context) error {
	client, err := v.vault()
	if err != nil {
		return err
	}
	health, err := client.Sys().HealthWithContext(ctx)
	if err != nil {
		return v.wrapErr(err)
	}
	if !health.Initialized {
		return &ProviderError{Provider: v.Name(), StatusCode: http.StatusServiceUnavailable, Message: "vault is not initialized"}
	}
	if health.Sealed {
		return &ProviderError{Provider: v.Name(), StatusCode: http.StatusServiceUnavailable, Message: "vault is sealed"}
	}
	return nil
}

// CAMounts lists every pki mount and reads its CA certificate. A mount whose CA cannot be read is
// returned with Error set rather than failing the whole listing.
func (v *VaultProvider) CAMounts(ctx context.Context) ([]CAMount, error) {
	client, err := v.vault()
	if err != nil {
		return nil, err
	}
	mounts, err := client.Sys().ListMountsWithContext(ctx)
	if err != nil {
		return nil, v.wrapErr(err)
	}

	var out []CAMount
	for path, m := range mounts {
		if m == nil || m.Type != "pki" {
			continue
		}
		mount := strings.TrimSuffix(path, "/")
		entry := CAMount{Mount: mount}
		secret, err := client.Logical().ReadWithContext(ctx, mount+"/cert/ca")
		switch {
		case err != nil:
			entry.Error = v.wrapErr(err).Error()
		case secret == nil || stringField(secret.Data, "certificate") == "":
			entry.Error = "no CA certificate configured"
		default:
			cert, perr := certutil.ParseCertificate([]byte(stringField(secret.Data, "certificate")))
			if perr != nil {
				entry.Error = perr.Error()
				break
			}
			entry.CommonName = cert.Subject.CommonName
			entry.SerialNumber = certutil.FormatSerial(cert.SerialNumber)
			entry.NotAfter = cert.NotAfter.UTC()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mount < out[j].Mount })
	return out, nil
}

func stringField(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// int64Field reads a numeric field. Vault decodes numbers as json.Number.
func int64Field(data map[string]interface{}, key string) (int64, bool) {
	switch n := data[key].(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
