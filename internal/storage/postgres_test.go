package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/model"
)

var certColumns = []string{
	"id", "certificate_id", "serial_number", "common_name", "organization", "organizational_unit", "ca_provider",
	"certificate_type", "status", "certificate_pem", "private_key_pem", "ca_chain", "alt_names", "validity_period",
	"issued_at", "expires_at", "revoked_at", "revocation_reason", "metadata", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgreSQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgreSQLStorageFromDB(db, 2*time.Second), mock
}

func certRow(id int64, certID, serial string, status model.Status, revokedAt driver.Value) []driver.Value {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, certID, serial, "svc.internal", "Example Corp", nil, "internal-pki",
		"ssl", string(status), "pem", nil, "{chain}", "{api.svc.internal}", int64(30),
		created, created.Add(30 * 24 * time.Hour), revokedAt, nil, []byte(`{"team":"platform"}`), created, created,
	}
}

func TestPostgres_UpdateStatusAuditFailureKeepsChange(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM certificates WHERE certificate_id = $1 ORDER BY id ASC LIMIT 2 FOR UPDATE`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(certColumns).AddRow(certRow(7, "c1", "0A", model.StatusIssued, nil)...))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE certificates SET status = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT audit_operation`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO certificate_operations`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectExec(regexp.QuoteMeta(`ROLLBACK TO SAVEPOINT audit_operation`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	res, err := s.UpdateCertificateStatus(context.Background(), StatusUpdate{
		Lookup: Lookup{CertificateID: "c1"},
		Status: model.StatusRevoked,
		Reason: "key-compromise",
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.AuditRecorded)
	assert.Equal(t, model.StatusRevoked, res.Certificate.Status)
	assert.Equal(t, []string{"chain"}, res.Certificate.CAChain)
	assert.Equal(t, "platform", res.Certificate.Metadata["team"])
	require.NotNil(t, res.Certificate.RevokedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateStatusTerminalIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	revokedAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE lower(serial_number) = lower($1)`)).
		WithArgs("0a").
		WillReturnRows(sqlmock.NewRows(certColumns).AddRow(certRow(7, "c1", "0A", model.StatusRevoked, revokedAt)...))
	mock.ExpectCommit()

	res, err := s.UpdateCertificateStatus(context.Background(), StatusUpdate{Lookup: Lookup{SerialNumber: "0a"}, Status: model.StatusRevoked})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.True(t, revokedAt.Equal(*res.Certificate.RevokedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateStatusNotFoundRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WillReturnRows(sqlmock.NewRows(certColumns))
	mock.ExpectRollback()

	_, err := s.UpdateCertificateStatus(context.Background(), StatusUpdate{Lookup: Lookup{CertificateID: "ghost"}, Status: model.StatusActive})
	assert.True(t, apperr.IsNotFound(err))
	assert.ErrorIs(t, err, apperr.ErrCertificateNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AmbiguousLookupNeverTouchesDB(t *testing.T) {
	s, mock := newMockStore(t)

	_, err := s.UpdateCertificateStatus(context.Background(), StatusUpdate{Lookup: Lookup{CertificateID: "c1", SerialNumber: "0A"}, Status: model.StatusRevoked})
	assert.True(t, apperr.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DuplicateSerialIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE lower(serial_number) = lower($1) ORDER BY id ASC LIMIT 2`)).
		WithArgs("0A").
		WillReturnRows(sqlmock.NewRows(certColumns).
			AddRow(certRow(1, "a", "0A", model.StatusIssued, nil)...).
			AddRow(certRow(2, "b", "0a", model.StatusIssued, nil)...))

	_, err := s.GetCertificate(context.Background(), Lookup{SerialNumber: "0A"})
	assert.True(t, apperr.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveDuplicateIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO certificates`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.SaveCertificate(context.Background(), issuedCert("c1", "01", now), nil)
	assert.True(t, apperr.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveRecordsIssueOperation(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	op := model.NewOperation("c1", model.OperationIssue, map[string]string{"common_name": "c1.internal"}, nil, "", "tester")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO certificates`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT audit_operation`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO certificate_operations`)).
		WithArgs("c1", "issue", sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg(), "tester").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta(`RELEASE SAVEPOINT audit_operation`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	cert := issuedCert("c1", "01", now)
	require.NoError(t, s.SaveCertificate(context.Background(), cert, op))
	assert.Equal(t, int64(11), cert.ID)
	assert.Equal(t, int64(3), op.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InventoryFiltersAndPaging(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM certificates WHERE ca_provider = $1 AND status = $2`)).
		WithArgs("internal-pki", "issued").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY created_at DESC, id ASC LIMIT $3 OFFSET $4`)).
		WithArgs("internal-pki", "issued", 10, 20).
		WillReturnRows(sqlmock.NewRows(certColumns).AddRow(certRow(1, "c1", "01", model.StatusIssued, nil)...))

	page, err := s.ListCertificates(context.Background(), InventoryQuery{
		CAProvider: model.ProviderInternalPKI,
		Status:     model.StatusIssued,
		Limit:      10,
		Offset:     20,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, page.Total)
	require.Len(t, page.Certificates, 1)
	assert.Equal(t, []string{"api.svc.internal"}, page.Certificates[0].AltNames)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_APIKeys(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT roles FROM api_keys WHERE api_key = $1`)).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"roles"}).AddRow("{admin,ops}"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT roles FROM api_keys WHERE api_key = $1`)).
		WithArgs("k2").
		WillReturnRows(sqlmock.NewRows([]string{"roles"}))

	roles, err := s.GetAPIKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "ops"}, roles)

	roles, err = s.GetAPIKey(context.Background(), "k2")
	require.NoError(t, err)
	assert.Nil(t, roles)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ProviderConfig(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM ca_providers WHERE provider_name = $1`)).
		WithArgs("globalsign").
		WillReturnRows(sqlmock.NewRows([]string{"provider_name", "is_active", "provider_config", "created_at", "updated_at"}).
			AddRow("globalsign", false, []byte(`{"endpoint":"https://gs.example"}`), now, now))

	cfg, err := s.GetProviderConfig(context.Background(), "globalsign")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.False(t, cfg.IsActive)
	assert.Equal(t, "https://gs.example", cfg.Endpoint)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schemaStatements {
		mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(regexp.QuoteMeta(`trg_certificate_operations_append_only`)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ensureSchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
