package testutils

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blockadesystems/certfleet/internal/config"
)

// SetupTestDB starts a new PostgreSQL container for testing.
// It returns the connection string (DSN) for the test database
// and a cleanup function that should be deferred by the caller to terminate the container.
func SetupTestDB(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()
	dbPort := "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2). // The image restarts once after init
			WithStartupTimeout(1*time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(1*time.Minute),
	).WithDeadline(2 * time.Minute)

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("certfleet_test"),
		postgres.WithUsername("certfleet"),
		postgres.WithPassword("certfleet"),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	cleanup := func() {
		terminateCtx, terminateCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer terminateCancel()
		if err := postgresContainer.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		} else {
			t.Log("Postgres container terminated")
		}
	}

	connStrCtx, connStrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connStrCancel()
	connStr, err := postgresContainer.ConnectionString(connStrCtx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get connection string: %s", err)
	}

	t.Logf("Postgres container started") // Don't log connection string with password
	return connStr, cleanup
}

// ConfigForDSN returns the default configuration pointed at the database in dsn.
// Cache, providers and the monitor are disabled so tests opt in to what they need.
func ConfigForDSN(t *testing.T, dsn string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load base config for test: %v", err)
	}
	parsedURL, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("Failed to parse test DB connection string: %v", err)
	}
	cfg.StorageType = "postgres"
	cfg.DBHost = parsedURL.Hostname()
	cfg.DBPort = 5432
	if portStr := parsedURL.Port(); portStr != "" {
		cfg.DBPort, _ = strconv.Atoi(portStr)
	}
	if parsedURL.User != nil {
		cfg.DBUser = parsedURL.User.Username()
		cfg.DBPassword, _ = parsedURL.User.Password()
	}
	cfg.DBName = strings.TrimPrefix(parsedURL.Path, "/")
	cfg.DBSSLMode = parsedURL.Query().Get("sslmode")
	cfg.Cache.Enabled = false
	cfg.Providers.Vault.Enabled = false
	cfg.Providers.GlobalSign.Enabled = false
	cfg.Providers.DigiCert.Enabled = false
	cfg.Providers.Entrust.Enabled = false
	cfg.Monitor.Enabled = false
	return cfg
}
