package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/model"
)

func issuedCert(id, serial string, created time.Time) *model.Certificate {
	issued := created
	expires := created.Add(90 * 24 * time.Hour)
	return &model.Certificate{
		CertificateID:  id,
		SerialNumber:   serial,
		CommonName:     id + ".internal",
		CAProvider:     model.ProviderInternalPKI,
		Status:         model.StatusIssued,
		PrivateKeyPEM:  "key",
		CertificatePEM: "pem",
		IssuedAt:       &issued,
		ExpiresAt:      &expires,
		CreatedAt:      created,
	}
}

func TestMemory_SaveAndGet(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	now := time.Now().UTC()

	op := model.NewOperation("c1", model.OperationIssue, map[string]string{"common_name": "c1.internal"}, nil, "", "tester")
	require.NoError(t, s.SaveCertificate(ctx, issuedCert("c1", "0A:1B", now), op))

	err := s.SaveCertificate(ctx, issuedCert("c1", "0A:1C", now), nil)
	assert.True(t, apperr.IsConflict(err))

	got, err := s.GetCertificate(ctx, Lookup{SerialNumber: "0a:1b"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.CertificateID)
	assert.Equal(t, "key", got.PrivateKeyPEM)

	missing, err := s.GetCertificate(ctx, Lookup{CertificateID: "nope"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.GetCertificate(ctx, Lookup{CertificateID: "c1", SerialNumber: "0A:1B"})
	assert.True(t, apperr.IsConflict(err))
	assert.ErrorIs(t, err, apperr.ErrAmbiguousLookup)

	ops, err := s.ListOperations(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "tester", ops[0].PerformedBy)
}

func TestMemory_UpdateStatus(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.SaveCertificate(ctx, issuedCert("c1", "01", time.Now().UTC()), nil))

	res, err := s.UpdateCertificateStatus(ctx, StatusUpdate{Lookup: Lookup{CertificateID: "c1"}, Status: model.StatusActive})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.StatusIssued, res.PreviousStatus)

	// Backward move is rejected and nothing is written.
	_, err = s.UpdateCertificateStatus(ctx, StatusUpdate{Lookup: Lookup{CertificateID: "c1"}, Status: model.StatusPending})
	assert.True(t, apperr.IsValidation(err))
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	res, err = s.UpdateCertificateStatus(ctx, StatusUpdate{Lookup: Lookup{SerialNumber: "01"}, Status: model.StatusRevoked, Reason: "key-compromise", PerformedBy: "alice"})
	require.NoError(t, err)
	require.NotNil(t, res.Certificate.RevokedAt)
	firstRevokedAt := *res.Certificate.RevokedAt
	assert.Equal(t, "key-compromise", res.Certificate.RevocationReason)

	// Terminal source: no-op, no audit row, revoked_at kept.
	res, err = s.UpdateCertificateStatus(ctx, StatusUpdate{Lookup: Lookup{CertificateID: "c1"}, Status: model.StatusActive})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, model.StatusRevoked, res.Certificate.Status)
	assert.True(t, firstRevokedAt.Equal(*res.Certificate.RevokedAt))

	ops, err := s.ListOperations(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "alice", ops[0].PerformedBy)

	_, err = s.UpdateCertificateStatus(ctx, StatusUpdate{Lookup: Lookup{CertificateID: "ghost"}, Status: model.StatusRevoked})
	assert.True(t, apperr.IsNotFound(err))

	_, err = s.UpdateCertificateStatus(ctx, StatusUpdate{Status: model.StatusRevoked})
	assert.True(t, apperr.IsConflict(err))
}

func TestMemory_PendingResolvesWithMaterial(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	pending := &model.Certificate{CertificateID: "order-1", CommonName: "portal.example.com", CAProvider: model.ProviderDigiCert, Status: model.StatusPending}
	require.NoError(t, s.SaveCertificate(ctx, pending, nil))

	expires := time.Now().UTC().Add(365 * 24 * time.Hour)
	res, err := s.UpdateCertificateStatus(ctx, StatusUpdate{
		Lookup:   Lookup{CertificateID: "order-1"},
		Status:   model.StatusIssued,
		Material: &Material{SerialNumber: "AB", CertificatePEM: "pem", CAChain: []string{"chain"}, ExpiresAt: &expires},
	})
	require.NoError(t, err)
	assert.Equal(t, "AB", res.Certificate.SerialNumber)
	assert.NotNil(t, res.Certificate.IssuedAt)
	assert.Equal(t, []string{"chain"}, res.Certificate.CAChain)
}

func TestMemory_InventoryOrderingAndPaging(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveCertificate(ctx, issuedCert(fmt.Sprintf("c%d", i), fmt.Sprintf("%02d", i), base.Add(time.Duration(i)*time.Hour)), nil))
	}
	// Same created_at as c4: id breaks the tie.
	require.NoError(t, s.SaveCertificate(ctx, issuedCert("c5", "05", base.Add(4*time.Hour)), nil))

	page, err := s.ListCertificates(ctx, InventoryQuery{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)
	require.Len(t, page.Certificates, 3)
	assert.Equal(t, "c4", page.Certificates[0].CertificateID)
	assert.Equal(t, "c5", page.Certificates[1].CertificateID)
	assert.Equal(t, "c3", page.Certificates[2].CertificateID)
	assert.Empty(t, page.Certificates[0].PrivateKeyPEM)

	page, err = s.ListCertificates(ctx, InventoryQuery{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, page.Certificates, 3)

	page, err = s.ListCertificates(ctx, InventoryQuery{CommonName: "C2.INT"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, DefaultInventoryLimit, page.Limit)

	_, err = s.ListCertificates(ctx, InventoryQuery{Limit: 1001})
	assert.True(t, apperr.IsValidation(err))
	_, err = s.ListCertificates(ctx, InventoryQuery{Offset: -1})
	assert.True(t, apperr.IsValidation(err))
}

func TestMemory_ListExpiring(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	now := time.Now().UTC()
	soon := issuedCert("soon", "01", now.Add(-80*24*time.Hour))
	later := issuedCert("later", "02", now)
	require.NoError(t, s.SaveCertificate(ctx, soon, nil))
	require.NoError(t, s.SaveCertificate(ctx, later, nil))

	certs, err := s.ListExpiring(ctx, now.Add(30*24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "soon", certs[0].CertificateID)
}

func TestMemory_WithinTransactionRollsBack(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTransaction(ctx, func(ctx context.Context, tx Storage) error {
		if err := tx.SaveCertificate(ctx, issuedCert("c1", "01", time.Now().UTC()), nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err := s.GetCertificate(ctx, Lookup{CertificateID: "c1"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_RollbackKeepsWritesOutsideTransaction(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	boom := errors.New("boom")
	inside := make(chan struct{})
	release := make(chan struct{})

	txErr := make(chan error, 1)
	go func() {
		txErr <- s.WithinTransaction(ctx, func(ctx context.Context, tx Storage) error {
			if err := tx.SaveCertificate(ctx, issuedCert("c1", "01", time.Now().UTC()), nil); err != nil {
				return err
			}
			close(inside)
			<-release
			return boom
		})
	}()
	<-inside

	saved := make(chan error, 1)
	go func() { saved <- s.SaveCertificate(ctx, issuedCert("c2", "02", time.Now().UTC()), nil) }()
	select {
	case <-saved:
		t.Fatal("write outside the transaction completed while it was open")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.ErrorIs(t, <-txErr, boom)
	require.NoError(t, <-saved)

	got, err := s.GetCertificate(ctx, Lookup{CertificateID: "c2"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = s.GetCertificate(ctx, Lookup{CertificateID: "c1"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_ConcurrentRevokeAppliesOnce(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.SaveCertificate(ctx, issuedCert("c1", "01", time.Now().UTC()), nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.UpdateCertificateStatus(ctx, StatusUpdate{Lookup: Lookup{CertificateID: "c1"}, Status: model.StatusRevoked})
			if err == nil && res.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, changed)
	ops, _ := s.ListOperations(ctx, "c1", 0)
	assert.Len(t, ops, 1)
}

func TestMemory_ProviderConfigsAndKeys(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.EnsureProviderConfig(ctx, "globalsign", "https://gs.example"))
	require.NoError(t, s.UpsertProviderConfig(ctx, &model.ProviderConfig{ProviderName: model.ProviderGlobalSign, IsActive: false}))
	require.NoError(t, s.EnsureProviderConfig(ctx, "globalsign", "https://other"))

	cfg, err := s.GetProviderConfig(ctx, "globalsign")
	require.NoError(t, err)
	assert.False(t, cfg.IsActive, "ensure must not overwrite an existing row")

	none, err := s.GetProviderConfig(ctx, "entrust")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.SaveAPIKey(ctx, "k1", []string{"admin"}))
	roles, err := s.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)
	roles, err = s.GetAPIKey(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, roles)
}
