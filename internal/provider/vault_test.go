package provider_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/certutil"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/testutils"
)

func newVault(t *testing.T, fake *testutils.FakeVault, timeout time.Duration) *provider.VaultProvider {
	t.Helper()
	v := provider.NewVaultProvider(provider.VaultOptions{
		Address: fake.URL,
		Token:   fake.Token,
		Mount:   fake.Mount,
		Role:    "server-cert",
		Timeout: timeout,
	})
	require.NoError(t, v.Connect(context.Background()))
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestVault_IssueFetchRevoke(t *testing.T) {
	fake := testutils.NewFakeVault(t)
	v := newVault(t, fake, 5*time.Second)
	ctx := context.Background()

	res, err := v.Issue(ctx, &provider.IssueRequest{
		CommonName: "svc.internal",
		AltNames:   []string{"api.svc.internal"},
		Validity:   30 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusIssued, res.Status)
	assert.NotEmpty(t, res.SerialNumber)
	assert.Equal(t, res.SerialNumber, res.Identifier)
	assert.NotEmpty(t, res.PrivateKeyPEM)
	require.Len(t, res.CAChain, 1)
	require.NotNil(t, res.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *res.ExpiresAt, time.Minute)

	cert, err := certutil.ParseCertificate([]byte(res.CertificatePEM))
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "api.svc.internal")

	fetched, err := v.Fetch(ctx, res.Identifier)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIssued, fetched.Status)
	assert.Nil(t, fetched.RevokedAt)

	rev, err := v.Revoke(ctx, res.Identifier, "keyCompromise")
	require.NoError(t, err)
	assert.False(t, rev.AlreadyRevoked)
	assert.Equal(t, "key-compromise", rev.Reason)
	assert.Equal(t, fake.RevocationTime(res.Identifier), rev.RevokedAt.Unix())

	again, err := v.Revoke(ctx, res.Identifier, "superseded")
	require.NoError(t, err)
	assert.True(t, again.AlreadyRevoked)
	assert.Equal(t, rev.RevokedAt.Unix(), again.RevokedAt.Unix())

	fetched, err = v.Fetch(ctx, res.Identifier)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRevoked, fetched.Status)
	require.NotNil(t, fetched.RevokedAt)

	serials, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Identifier}, serials)
}

func TestVault_RevokeUnknownSerial(t *testing.T) {
	fake := testutils.NewFakeVault(t)
	v := newVault(t, fake, 5*time.Second)

	_, err := v.Revoke(context.Background(), "de:ad:be:ef", "")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
	assert.True(t, apperr.IsNotFound(err))
}

func TestVault_PermissionDenied(t *testing.T) {
	fake := testutils.NewFakeVault(t)
	v := provider.NewVaultProvider(provider.VaultOptions{Address: fake.URL, Token: "wrong", Mount: fake.Mount, Role: "r"})
	require.NoError(t, v.Connect(context.Background()))

	_, err := v.Issue(context.Background(), &provider.IssueRequest{CommonName: "svc.internal"})
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusForbidden, pe.StatusCode)
	assert.Contains(t, pe.Message, "permission denied")
	assert.True(t, apperr.IsProvider(err))
}

func TestVault_Timeout(t *testing.T) {
	fake := testutils.NewFakeVault(t)
	fake.SetDelay(2 * time.Second)
	v := newVault(t, fake, 200*time.Millisecond)

	_, err := v.Fetch(context.Background(), "00:01")
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusGatewayTimeout, pe.StatusCode)
}

func TestVault_HealthAndMounts(t *testing.T) {
	fake := testutils.NewFakeVault(t)
	notAfter := time.Now().Add(20 * 24 * time.Hour).Truncate(time.Second)
	fake.SetCAExpiry(notAfter)
	v := newVault(t, fake, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, v.Health(ctx))

	mounts, err := v.CAMounts(ctx)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "pki_int", mounts[0].Mount)
	assert.Equal(t, "Fake Intermediate CA", mounts[0].CommonName)
	assert.True(t, notAfter.Equal(mounts[0].NotAfter))
	assert.Empty(t, mounts[0].Error)

	fake.SetSealed(true)
	err = v.Health(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed")
}

func TestVault_NotConnected(t *testing.T) {
	v := provider.NewVaultProvider(provider.VaultOptions{Address: "http://127.0.0.1:1"})
	_, err := v.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
