// Package tools implements the certificate lifecycle operations exposed through the dispatch engine.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/cache"
	"github.com/blockadesystems/certfleet/internal/dispatch"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/monitor"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/storage"
)

var logger *zap.Logger

func init() {
	var err error
	logger, err = zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = logger.With(zap.String("package", "tools"))
}

// Cache keys, relative to the cache prefix.
const (
	serialIndexKey     = "serial_index"
	idempotencyKeysKey = "idempotency:keys"
	idempotencyPrefix  = "idempotency:result:"
	pendingQueueKey    = "pending_issuance"
	usageKeyPrefix     = "tool_usage:"
	usageToolsKey      = "tool_usage:tools"
)

// Scanner runs one expiry scan on demand. *monitor.Monitor satisfies it.
type Scanner interface {
	RunOnce(ctx context.Context) (*monitor.Report, error)
}

// Options tunes the service. Zero values pick the defaults.
type Options struct {
	DefaultPerformedBy string
	CertificateTTL     time.Duration // How long get_certificate results stay cached
	IdempotencyTTL     time.Duration // How long an issue result is replayed for its idempotency key
}

// Service carries the dependencies every tool handler needs.
type Service struct {
	store     storage.Storage
	cache     cache.Cache
	providers *provider.Registry
	scanner   Scanner
	opts      Options
	now       func() time.Time

	pendingMu     sync.Mutex
	pendingOffset int // Where the next top-up from pending store rows starts
}

// New creates the tool service. c and scanner may be nil.
func New(store storage.Storage, c cache.Cache, providers *provider.Registry, scanner Scanner, opts Options) *Service {
	if c == nil {
		c = cache.NoopCache{}
	}
	if opts.CertificateTTL <= 0 {
		opts.CertificateTTL = 5 * time.Minute
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Service{
		store:     store,
		cache:     c,
		providers: providers,
		scanner:   scanner,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CacheUsage counts tool calls in the cache. It satisfies dispatch.UsageRecorder.
type CacheUsage struct {
	Cache cache.Cache
}

func (u CacheUsage) RecordToolUse(ctx context.Context, tool string) {
	u.Cache.Increment(ctx, usageKeyPrefix+tool, 1)
	u.Cache.AddToSet(ctx, usageToolsKey, tool)
}

// Register adds every tool, including the per-provider aliases, to engine.
func (s *Service) Register(engine *dispatch.Engine) error {
	for _, t := range s.Tools() {
		if err := engine.Register(t); err != nil {
			return err
		}
	}
	return nil
}

var lookupParams = map[string]dispatch.Param{
	"certificate_id": {Type: "string", Description: "Certificate identifier. Give this or serial_number, not both"},
	"serial_number":  {Type: "string", Description: "CA serial number. Give this or certificate_id, not both"},
}

func withParams(base map[string]dispatch.Param, extra map[string]dispatch.Param) map[string]dispatch.Param {
	out := make(map[string]dispatch.Param, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func providerNames() []string {
	out := make([]string, 0, len(model.AllProviders)+1)
	for _, p := range model.AllProviders {
		out = append(out, string(p))
	}
	return append(out, "vault")
}

func statusEnum() []string {
	return []string{
		string(model.StatusPending), string(model.StatusIssued), string(model.StatusActive),
		string(model.StatusRevoked), string(model.StatusExpired), string(model.StatusSuspended),
	}
}

// Tools returns the tool table.
func (s *Service) Tools() []dispatch.Tool {
	caProvider := dispatch.Param{Type: "string", Description: "CA provider: " + strings.Join(providerNames(), ", "), Required: true}
	optionalProvider := caProvider
	optionalProvider.Required = false

	issue := map[string]dispatch.Param{
		"common_name":         {Type: "string", Description: "Subject common name", Required: true},
		"ca_provider":         caProvider,
		"alt_names":           {Type: "array", Description: "Subject alternative names"},
		"organization":        {Type: "string"},
		"organizational_unit": {Type: "string"},
		"certificate_type":    {Type: "string", Description: "ssl, code-signing, email, user-auth or device"},
		"ttl":                 {Type: "string", Description: "Validity, e.g. 720h or 30d"},
		"validity_days":       {Type: "integer"},
		"validity_months":     {Type: "integer"},
		"validity_years":      {Type: "integer"},
		"csr":                 {Type: "string", Description: "PEM CSR; generated when omitted"},
		"role":                {Type: "string", Description: "Vault role override"},
		"metadata":            {Type: "object"},
		"idempotency_key":     {Type: "string", Description: "Replays the first result for the same key"},
		"performed_by":        {Type: "string"},
	}
	revoke := withParams(lookupParams, map[string]dispatch.Param{
		"ca_provider":  caProvider,
		"reason":       {Type: "string", Description: "Revocation reason, e.g. keyCompromise"},
		"performed_by": {Type: "string"},
	})
	get := withParams(lookupParams, map[string]dispatch.Param{
		"ca_provider": optionalProvider,
		"refresh":     {Type: "boolean", Description: "Also fetch the provider's current state"},
	})

	tools := []dispatch.Tool{
		{
			Name:        "issue_certificate",
			Description: "Issue a certificate from a CA provider and record it in the inventory",
			Parameters:  issue,
			Handler:     s.IssueCertificate,
		},
		{
			Name:        "revoke_certificate",
			Description: "Revoke a certificate at its CA and mark it revoked",
			Parameters:  revoke,
			Handler:     s.RevokeCertificate,
		},
		{
			Name:        "get_certificate",
			Description: "Look up one certificate by certificate_id or serial_number",
			Parameters:  get,
			Handler:     s.GetCertificate,
		},
		{
			Name:        "get_certificate_inventory",
			Description: "List certificates with filters and pagination",
			Parameters: map[string]dispatch.Param{
				"ca_provider":  optionalProvider,
				"status":       {Type: "string", Enum: statusEnum()},
				"common_name":  {Type: "string", Description: "Substring match"},
				"organization": {Type: "string"},
				"limit":        {Type: "integer"},
				"offset":       {Type: "integer"},
			},
			Handler: s.GetInventory,
		},
		{
			Name:        "update_certificate_status",
			Description: "Move a certificate to a new lifecycle status",
			Parameters: withParams(lookupParams, map[string]dispatch.Param{
				"status":       {Type: "string", Enum: statusEnum(), Required: true},
				"reason":       {Type: "string"},
				"performed_by": {Type: "string"},
			}),
			Handler: s.UpdateStatus,
		},
		{
			Name:        "get_certificate_operations",
			Description: "Audit log of one certificate, newest first",
			Parameters: map[string]dispatch.Param{
				"certificate_id": {Type: "string", Required: true},
				"limit":          {Type: "integer"},
			},
			Handler: s.GetOperations,
		},
		{
			Name:        "resolve_pending_certificates",
			Description: "Poll providers for pending issuances and record the ones that completed",
			Parameters: map[string]dispatch.Param{
				"limit":        {Type: "integer"},
				"performed_by": {Type: "string"},
			},
			Handler: s.ResolvePending,
		},
		{
			Name:        "list_provider_certificates",
			Description: "List the certificate identifiers a CA provider knows about",
			Parameters:  map[string]dispatch.Param{"ca_provider": caProvider},
			Handler:     s.ListProviderCertificates,
		},
		{
			Name:        "analyze_certificate",
			Description: "Parse a PEM certificate and check it for compliance problems",
			Parameters: map[string]dispatch.Param{
				"certificate_pem": {Type: "string", Required: true},
				"certificate_id":  {Type: "string", Description: "Records the analysis on this certificate's audit log"},
				"performed_by":    {Type: "string"},
			},
			Handler: s.AnalyzeCertificate,
		},
		{
			Name:        "get_tool_usage",
			Description: "Per-tool call counts",
			Parameters:  map[string]dispatch.Param{},
			Handler:     s.GetToolUsage,
		},
		{
			Name:        "run_expiry_scan",
			Description: "Run the expiry monitor now",
			Parameters:  map[string]dispatch.Param{},
			Handler:     s.RunExpiryScan,
		},
	}

	for _, p := range model.AllProviders {
		tools = append(tools, s.aliases(p, issue, revoke, get)...)
	}
	return tools
}

// aliases builds the <prefix>_issue/revoke/get tools for one provider. They inject ca_provider.
func (s *Service) aliases(p model.CAProvider, issue, revoke, get map[string]dispatch.Param) []dispatch.Tool {
	prefix := p.ToolPrefix()
	bind := func(h dispatch.Handler) dispatch.Handler {
		return func(ctx context.Context, params map[string]any) (any, error) {
			bound := make(map[string]any, len(params)+1)
			for k, v := range params {
				bound[k] = v
			}
			bound["ca_provider"] = string(p)
			return h(ctx, bound)
		}
	}
	without := func(params map[string]dispatch.Param) map[string]dispatch.Param {
		out := withParams(params, nil)
		delete(out, "ca_provider")
		return out
	}
	return []dispatch.Tool{
		{
			Name:        prefix + "_issue_certificate",
			Description: fmt.Sprintf("Issue a certificate from %s", p),
			Parameters:  without(issue),
			Handler:     bind(s.IssueCertificate),
		},
		{
			Name:        prefix + "_revoke_certificate",
			Description: fmt.Sprintf("Revoke a %s certificate", p),
			Parameters:  without(revoke),
			Handler:     bind(s.RevokeCertificate),
		},
		{
			Name:        prefix + "_get_certificate",
			Description: fmt.Sprintf("Look up a %s certificate", p),
			Parameters:  without(get),
			Handler:     bind(s.GetCertificate),
		},
	}
}

// invalidate drops every cached view of cert.
func (s *Service) invalidate(ctx context.Context, cert *model.Certificate) {
	s.cache.Delete(ctx, cache.CertificateKey(cert.CertificateID))
}

// index remembers serial -> certificate_id so serial lookups can hit the cache.
func (s *Service) index(ctx context.Context, cert *model.Certificate) {
	if cert.SerialNumber != "" {
		s.cache.SetHash(ctx, serialIndexKey, serialKey(cert.SerialNumber), cert.CertificateID)
	}
}

// serialKey matches the store's case-insensitive serial comparison.
func serialKey(serial string) string {
	return strings.ToLower(strings.TrimSpace(serial))
}

// record writes an audit row outside of any store transaction. Failures are logged only.
func (s *Service) record(ctx context.Context, op *model.Operation) {
	if err := s.store.RecordOperation(ctx, op); err != nil {
		logger.Warn("Failed to record operation",
			zap.String("certificate_id", op.CertificateID),
			zap.String("operation_type", string(op.OperationType)),
			zap.Error(err))
	}
}
