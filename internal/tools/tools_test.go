package tools

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfleet/internal/cache"
	"github.com/blockadesystems/certfleet/internal/certutil"
	"github.com/blockadesystems/certfleet/internal/config"
	"github.com/blockadesystems/certfleet/internal/dispatch"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/monitor"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/storage"
	"github.com/blockadesystems/certfleet/internal/testutils"
)

type harness struct {
	svc    *Service
	engine *dispatch.Engine
	store  *storage.MemoryStorage
	cache  cache.Cache
	vault  *testutils.FakeVault
	reg    *provider.Registry
}

func newHarness(t *testing.T, extra ...provider.Provider) *harness {
	t.Helper()
	fake := testutils.NewFakeVault(t)
	v := provider.NewVaultProvider(provider.VaultOptions{
		Address: fake.URL,
		Token:   fake.Token,
		Mount:   fake.Mount,
		Role:    "server-cert",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, v.Connect(context.Background()))
	t.Cleanup(func() { _ = v.Close() })

	store := storage.NewMemoryStorage()
	reg := provider.NewRegistry(store)
	reg.Register(provider.Guard(v, provider.GuardOptions{}))
	for _, p := range extra {
		reg.Register(p)
	}

	mr := miniredis.RunT(t)
	c := cache.NewRedisCache(config.CacheConfig{Enabled: true, Address: mr.Addr(), KeyPrefix: "pki_mcp"})
	t.Cleanup(func() { _ = c.Close() })

	svc := New(store, c, reg, nil, Options{DefaultPerformedBy: "tester"})
	engine := dispatch.NewEngine("pki-mcp-server", CacheUsage{Cache: c})
	require.NoError(t, svc.Register(engine))
	return &harness{svc: svc, engine: engine, store: store, cache: c, vault: fake, reg: reg}
}

func (h *harness) call(t *testing.T, tool string, params map[string]any) dispatch.Envelope {
	t.Helper()
	return h.engine.Call(context.Background(), tool, params)
}

func (h *harness) ok(t *testing.T, tool string, params map[string]any) any {
	t.Helper()
	env := h.call(t, tool, params)
	require.True(t, env.Success, "%s failed: %s (%s)", tool, env.Error, env.Code)
	return env.Data
}

func (h *harness) vaultCalls(substr string) int {
	n := 0
	for _, c := range h.vault.Calls() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func TestLifecycle_IssueListRevoke(t *testing.T) {
	h := newHarness(t)

	issued := h.ok(t, "issue_certificate", map[string]any{
		"common_name": "svc.internal",
		"ca_provider": "internal-pki",
		"alt_names":   []any{"svc.internal", "svc2.internal"},
		"ttl":         "720h",
	}).(*IssueResult)
	cert := issued.Certificate
	assert.False(t, issued.Pending)
	assert.Equal(t, model.StatusIssued, cert.Status)
	assert.NotEmpty(t, cert.SerialNumber)
	assert.Equal(t, cert.SerialNumber, cert.CertificateID)
	assert.NotEmpty(t, cert.PrivateKeyPEM)
	assert.Equal(t, 30, cert.ValidityDays)

	page := h.ok(t, "get_certificate_inventory", map[string]any{"ca_provider": "vault"}).(*storage.InventoryPage)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, cert.CertificateID, page.Certificates[0].CertificateID)
	assert.Empty(t, page.Certificates[0].PrivateKeyPEM)

	view := h.ok(t, "get_certificate", map[string]any{"serial_number": strings.ToUpper(cert.SerialNumber)}).(*CertificateView)
	assert.False(t, view.Cached)
	assert.Empty(t, view.Certificate.PrivateKeyPEM)
	require.NotNil(t, view.DaysUntilExpiry)
	assert.Equal(t, 29, *view.DaysUntilExpiry)
	view = h.ok(t, "get_certificate", map[string]any{"serial_number": cert.SerialNumber}).(*CertificateView)
	assert.True(t, view.Cached)

	revoked := h.ok(t, "revoke_certificate", map[string]any{
		"certificate_id": cert.CertificateID,
		"ca_provider":    "internal-pki",
		"reason":         "keyCompromise",
	}).(*RevokeResult)
	assert.Equal(t, model.StatusRevoked, revoked.Status)
	assert.False(t, revoked.AlreadyRevoked)
	assert.Equal(t, "key-compromise", revoked.RevocationReason)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, h.vault.RevocationTime(cert.SerialNumber), revoked.RevokedAt.Unix())

	// The cache was invalidated by the revocation.
	view = h.ok(t, "get_certificate", map[string]any{"certificate_id": cert.CertificateID}).(*CertificateView)
	assert.False(t, view.Cached)
	assert.Equal(t, model.StatusRevoked, view.Certificate.Status)

	again := h.ok(t, "revoke_certificate", map[string]any{
		"serial_number": cert.SerialNumber,
		"ca_provider":   "internal-pki",
		"reason":        "superseded",
	}).(*RevokeResult)
	assert.True(t, again.AlreadyRevoked)
	assert.True(t, revoked.RevokedAt.Equal(*again.RevokedAt))
	assert.Equal(t, "key-compromise", again.RevocationReason)
	assert.Equal(t, 1, h.vaultCalls("/revoke"))

	ops := h.ok(t, "get_certificate_operations", map[string]any{"certificate_id": cert.CertificateID}).(map[string]any)
	list := ops["operations"].([]*model.Operation)
	require.Len(t, list, 2)
	assert.Equal(t, model.OperationRevoke, list[0].OperationType)
	assert.Equal(t, model.OperationIssue, list[1].OperationType)
	assert.Equal(t, "tester", list[0].PerformedBy)
}

func TestIssue_Validation(t *testing.T) {
	h := newHarness(t)

	env := h.call(t, "issue_certificate", map[string]any{})
	assert.Equal(t, "Missing required parameters: ca_provider, common_name", env.Error)

	env = h.call(t, "issue_certificate", map[string]any{"common_name": "x", "ca_provider": "letsencrypt"})
	assert.Equal(t, "validation", env.Code)
	assert.Contains(t, env.Error, "unknown CA provider")

	env = h.call(t, "issue_certificate", map[string]any{"common_name": "x", "ca_provider": "vault", "ttl": "soon"})
	assert.Equal(t, "validation", env.Code)

	env = h.call(t, "issue_certificate", map[string]any{"common_name": "x", "ca_provider": "digicert"})
	assert.Equal(t, "validation", env.Code, "registered providers only")
	assert.Zero(t, h.vaultCalls("/issue/"))
}

func TestIssue_InactiveProviderRefused(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertProviderConfig(context.Background(), &model.ProviderConfig{
		ProviderName: model.ProviderInternalPKI,
		IsActive:     false,
	}))

	env := h.call(t, "issue_certificate", map[string]any{"common_name": "svc.internal", "ca_provider": "internal-pki"})
	assert.False(t, env.Success)
	assert.Equal(t, "validation", env.Code)
	assert.Contains(t, env.Error, "not active")
	assert.Zero(t, h.vaultCalls("/issue/"))
}

func TestIssue_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t)
	params := map[string]any{"common_name": "svc.internal", "ca_provider": "vault", "idempotency_key": "req-1"}

	first := h.ok(t, "issue_certificate", params).(*IssueResult)
	second := h.ok(t, "issue_certificate", params).(*IssueResult)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Certificate.CertificateID, second.Certificate.CertificateID)
	assert.Empty(t, second.Certificate.PrivateKeyPEM)
	assert.Equal(t, 1, h.vaultCalls("/issue/"))
}

// downCA fails every issuance.
type downCA struct {
	pendingCA
}

func (d *downCA) Name() model.CAProvider { return model.ProviderEntrust }

func (d *downCA) Issue(ctx context.Context, req *provider.IssueRequest) (*provider.CertificateResult, error) {
	return nil, &provider.ProviderError{Provider: model.ProviderEntrust, StatusCode: http.StatusBadGateway, Message: "upstream down"}
}

// recordingStore captures audit rows written outside of certificate saves.
type recordingStore struct {
	storage.Storage
	mu  sync.Mutex
	ops []*model.Operation
}

func (r *recordingStore) RecordOperation(ctx context.Context, op *model.Operation) error {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
	return r.Storage.RecordOperation(ctx, op)
}

func TestIssue_ProviderFailureIsAudited(t *testing.T) {
	h := newHarness(t, &downCA{})
	rec := &recordingStore{Storage: h.store}
	h.svc.store = rec

	env := h.call(t, "entrust_issue_certificate", map[string]any{"common_name": "svc.example.com", "performed_by": "alice"})
	assert.False(t, env.Success)
	assert.Equal(t, "provider", env.Code)
	assert.Contains(t, env.Error, "upstream down")

	require.Len(t, rec.ops, 1)
	assert.Equal(t, model.OperationIssue, rec.ops[0].OperationType)
	assert.Contains(t, rec.ops[0].ErrorMessage, "upstream down")
	assert.Equal(t, "alice", rec.ops[0].PerformedBy)
	assert.NotEmpty(t, rec.ops[0].CertificateID)

	page, err := h.store.ListCertificates(context.Background(), storage.InventoryQuery{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestAliasesInjectProvider(t *testing.T) {
	h := newHarness(t)
	names := map[string]bool{}
	for _, info := range h.engine.List() {
		names[info.Name] = true
	}
	assert.Len(t, names, 23)
	for _, n := range []string{"vault_issue_certificate", "globalsign_revoke_certificate", "digicert_get_certificate", "entrust_issue_certificate"} {
		assert.True(t, names[n], n)
	}
	for _, info := range h.engine.List() {
		if info.Name == "vault_issue_certificate" {
			assert.NotContains(t, info.InputSchema.Properties, "ca_provider")
			assert.Equal(t, []string{"common_name"}, info.InputSchema.Required)
		}
	}

	issued := h.ok(t, "vault_issue_certificate", map[string]any{"common_name": "alias.internal"}).(*IssueResult)
	assert.Equal(t, model.ProviderInternalPKI, issued.Certificate.CAProvider)

	view := h.ok(t, "vault_get_certificate", map[string]any{"certificate_id": issued.Certificate.CertificateID}).(*CertificateView)
	assert.Equal(t, issued.Certificate.CertificateID, view.Certificate.CertificateID)

	env := h.call(t, "digicert_get_certificate", map[string]any{"certificate_id": issued.Certificate.CertificateID})
	assert.Equal(t, "not_found", env.Code)
}

func TestGetCertificate_LookupErrors(t *testing.T) {
	h := newHarness(t)

	env := h.call(t, "get_certificate", map[string]any{"certificate_id": "nope"})
	assert.Equal(t, "not_found", env.Code)

	env = h.call(t, "get_certificate", map[string]any{"certificate_id": "a", "serial_number": "b"})
	assert.Equal(t, "conflict", env.Code)

	env = h.call(t, "get_certificate", map[string]any{})
	assert.Equal(t, "conflict", env.Code)

	env = h.call(t, "revoke_certificate", map[string]any{"certificate_id": "nope", "ca_provider": "vault"})
	assert.Equal(t, "not_found", env.Code)
}

func TestGetCertificate_Refresh(t *testing.T) {
	h := newHarness(t)
	issued := h.ok(t, "issue_certificate", map[string]any{"common_name": "svc.internal", "ca_provider": "vault"}).(*IssueResult)

	view := h.ok(t, "get_certificate", map[string]any{"certificate_id": issued.Certificate.CertificateID, "refresh": true}).(*CertificateView)
	require.NotNil(t, view.ProviderState)
	assert.Equal(t, model.StatusIssued, view.ProviderState.Status)
	assert.Empty(t, view.ProviderError)
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t)
	issued := h.ok(t, "issue_certificate", map[string]any{"common_name": "svc.internal", "ca_provider": "vault"}).(*IssueResult)
	id := issued.Certificate.CertificateID

	res := h.ok(t, "update_certificate_status", map[string]any{"certificate_id": id, "status": "active"}).(*storage.StatusUpdateResult)
	assert.True(t, res.Changed)
	assert.Equal(t, model.StatusIssued, res.PreviousStatus)
	assert.Empty(t, res.Certificate.PrivateKeyPEM)

	env := h.call(t, "update_certificate_status", map[string]any{"certificate_id": id, "status": "pending"})
	assert.Equal(t, "validation", env.Code)
	assert.Contains(t, env.Error, "invalid status transition")

	env = h.call(t, "update_certificate_status", map[string]any{"certificate_id": id, "status": "bogus"})
	assert.Equal(t, "validation", env.Code)

	h.ok(t, "update_certificate_status", map[string]any{"certificate_id": id, "status": "expired"})
	res = h.ok(t, "update_certificate_status", map[string]any{"certificate_id": id, "status": "active"}).(*storage.StatusUpdateResult)
	assert.False(t, res.Changed)
	assert.Equal(t, model.StatusExpired, res.Certificate.Status)

	env = h.call(t, "update_certificate_status", map[string]any{"certificate_id": "missing", "status": "active"})
	assert.Equal(t, "not_found", env.Code)
}

func TestAnalyzeCertificate(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	certPEM, _, err := certutil.NewSelfSigned(certutil.SelfSignedOptions{
		CommonName: "svc.internal",
		DNSNames:   []string{"svc.internal"},
		NotBefore:  now.Add(-time.Hour),
		NotAfter:   now.Add(90 * 24 * time.Hour),
	})
	require.NoError(t, err)

	a := h.ok(t, "analyze_certificate", map[string]any{"certificate_pem": string(certPEM), "certificate_id": "c-1"}).(*certutil.Analysis)
	assert.Equal(t, "svc.internal", a.CommonName)
	assert.Equal(t, "c-1", a.CertificateID)

	ops, err := h.store.ListOperations(context.Background(), "c-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OperationAnalyze, ops[0].OperationType)

	env := h.call(t, "analyze_certificate", map[string]any{"certificate_pem": "not a certificate"})
	assert.Equal(t, "validation", env.Code)
}

func TestToolUsage(t *testing.T) {
	h := newHarness(t)
	h.call(t, "get_certificate", map[string]any{"certificate_id": "x"})
	h.call(t, "get_certificate", map[string]any{"certificate_id": "y"})
	h.call(t, "get_certificate_inventory", nil)

	usage := h.ok(t, "get_tool_usage", nil).(map[string]any)
	counts := usage["usage"].(map[string]int64)
	assert.Equal(t, int64(2), counts["get_certificate"])
	assert.Equal(t, int64(1), counts["get_certificate_inventory"])
	assert.Equal(t, int64(1), counts["get_tool_usage"])
	assert.Equal(t, int64(4), usage["total"])
}

func TestListProviderCertificates(t *testing.T) {
	h := newHarness(t)
	issued := h.ok(t, "issue_certificate", map[string]any{"common_name": "svc.internal", "ca_provider": "vault"}).(*IssueResult)

	out := h.ok(t, "list_provider_certificates", map[string]any{"ca_provider": "internal-pki"}).(map[string]any)
	assert.Equal(t, []string{issued.Certificate.SerialNumber}, out["certificates"])
	assert.Equal(t, 1, out["count"])
}

// pendingCA completes an order only after ready is set.
type pendingCA struct {
	mu      sync.Mutex
	ready   bool
	certPEM string
}

func (p *pendingCA) Name() model.CAProvider            { return model.ProviderGlobalSign }
func (p *pendingCA) Connect(ctx context.Context) error { return nil }
func (p *pendingCA) Close() error                      { return nil }

func (p *pendingCA) Issue(ctx context.Context, req *provider.IssueRequest) (*provider.CertificateResult, error) {
	return &provider.CertificateResult{Identifier: "order-1", Status: model.StatusPending}, nil
}

func (p *pendingCA) Revoke(ctx context.Context, id, reason string) (*provider.RevocationResult, error) {
	return &provider.RevocationResult{Identifier: id, Status: model.StatusRevoked, Reason: reason, RevokedAt: time.Now().UTC()}, nil
}

func (p *pendingCA) Fetch(ctx context.Context, id string) (*provider.CertificateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return &provider.CertificateResult{Identifier: id, Status: model.StatusPending}, nil
	}
	issued := time.Now().UTC().Add(-time.Minute)
	expires := issued.Add(365 * 24 * time.Hour)
	return &provider.CertificateResult{
		Identifier:     id,
		SerialNumber:   "0a:0b:0c",
		Status:         model.StatusIssued,
		CertificatePEM: p.certPEM,
		IssuedAt:       &issued,
		ExpiresAt:      &expires,
	}, nil
}

func (p *pendingCA) List(ctx context.Context) ([]string, error) { return []string{"order-1"}, nil }

func TestResolvePending(t *testing.T) {
	ca := &pendingCA{certPEM: "-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"}
	h := newHarness(t, ca)
	ctx := context.Background()

	issued := h.ok(t, "globalsign_issue_certificate", map[string]any{"common_name": "shop.example.com"}).(*IssueResult)
	assert.True(t, issued.Pending)
	assert.Equal(t, "order-1", issued.Certificate.CertificateID)
	assert.Equal(t, int64(1), h.cache.ListLength(ctx, pendingQueueKey))

	summary := h.ok(t, "resolve_pending_certificates", nil).(*ResolveSummary)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.StillPending)
	assert.Equal(t, int64(0), h.cache.ListLength(ctx, pendingQueueKey), "still pending orders are found in the store")

	ca.mu.Lock()
	ca.ready = true
	ca.mu.Unlock()

	summary = h.ok(t, "resolve_pending_certificates", nil).(*ResolveSummary)
	assert.Equal(t, 1, summary.Issued)
	assert.Equal(t, int64(0), h.cache.ListLength(ctx, pendingQueueKey))

	cert, err := h.store.GetCertificate(ctx, storage.Lookup{CertificateID: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusIssued, cert.Status)
	assert.Equal(t, "0a:0b:0c", cert.SerialNumber)
	assert.NotNil(t, cert.ExpiresAt)

	// Nothing left to do, and a flushed queue is not needed to find pending rows.
	summary = h.ok(t, "resolve_pending_certificates", nil).(*ResolveSummary)
	assert.Zero(t, summary.Checked)
}

func TestResolvePending_RotatesThroughBacklog(t *testing.T) {
	h := newHarness(t, &pendingCA{})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"order-a", "order-b", "order-c"} {
		require.NoError(t, h.store.SaveCertificate(ctx, &model.Certificate{
			CertificateID: id,
			CommonName:    id + ".example.com",
			CAProvider:    model.ProviderGlobalSign,
			Status:        model.StatusPending,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}, nil))
	}

	checked := map[string]int{}
	for n := 0; n < 2; n++ {
		summary := h.ok(t, "resolve_pending_certificates", map[string]any{"limit": 2}).(*ResolveSummary)
		assert.Equal(t, 2, summary.Checked)
		assert.Equal(t, 2, summary.StillPending)
		for _, e := range summary.Certificates {
			checked[e.CertificateID]++
		}
	}
	assert.Equal(t, map[string]int{"order-a": 1, "order-b": 1, "order-c": 2}, checked)
}

type busyScanner struct{}

func (busyScanner) RunOnce(context.Context) (*monitor.Report, error) {
	return nil, monitor.ErrRunInProgress
}

func TestRunExpiryScan(t *testing.T) {
	h := newHarness(t)
	env := h.call(t, "run_expiry_scan", nil)
	assert.Equal(t, "validation", env.Code)

	h.svc.scanner = busyScanner{}
	out := h.ok(t, "run_expiry_scan", nil).(map[string]any)
	assert.Equal(t, true, out["skipped"])

	m := monitor.New(h.reg, h.store, nil, nil, monitor.Options{SweepLeaves: true})
	h.svc.scanner = m
	report := h.ok(t, "run_expiry_scan", nil).(*monitor.Report)
	assert.Len(t, report.CACertificates, 1)
}
