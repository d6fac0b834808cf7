package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddress      string            // The address to listen on for the dispatch HTTP surface
	StorageType        string            // Storage type: "postgres" or "memory"
	DBHost             string            // PostgreSQL host
	DBUser             string            // PostgreSQL user
	DBPassword         string            // PostgreSQL password
	DBName             string            // PostgreSQL database name
	DBPort             int               // PostgreSQL port
	DBSSLMode          string            // PostgreSQL SSL mode
	DBCert             string            // PostgreSQL client certificate file
	DBKey              string            // PostgreSQL client private key file
	DBRootCert         string            // PostgreSQL root CA certificate file
	DBMaxOpenConns     int               // Connection pool size
	DBMaxIdleConns     int               // Idle connections kept in the pool
	DBPoolWaitTimeout  time.Duration     // Upper bound on a single store call, including pool acquisition
	APIKeys            map[string]APIKey // API keys and their roles, seeded into storage at startup
	Cache              CacheConfig
	Providers          ProvidersConfig
	Monitor            MonitorConfig
	DefaultPerformedBy string // Recorded on audit rows when the caller does not say who it is
}

// APIKey defines an API key and its associated roles.
type APIKey struct {
	Roles []string
}

// CacheConfig configures the Redis cache-aside layer.
type CacheConfig struct {
	Enabled    bool
	Address    string
	Password   string
	DB         int
	KeyPrefix  string
	DefaultTTL time.Duration
}

// ProvidersConfig holds endpoints and credentials for every CA backend.
type ProvidersConfig struct {
	CallTimeout     time.Duration // Bound on every outbound provider call
	RateLimit       float64       // Requests per second per provider
	RateBurst       int
	BreakerFailures uint32        // Consecutive failures before the breaker opens
	BreakerOpenFor  time.Duration // How long the breaker stays open
	Vault           VaultConfig
	GlobalSign      CommercialConfig
	DigiCert        CommercialConfig
	Entrust         CommercialConfig
}

// VaultConfig configures the internal PKI adapter.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	Namespace  string
	Mount      string // PKI mount used for issuance, e.g. pki_int
	Role       string // Default issuing role
	DefaultTTL string
}

// CommercialConfig configures one commercial CA adapter.
type CommercialConfig struct {
	Enabled   bool
	BaseURL   string
	APIKey    string
	APISecret string
	AccountID string // Organization or account identifier where the CA needs one
	Product   string // Product or certificate profile code
}

// MonitorConfig configures the expiry monitor.
type MonitorConfig struct {
	Enabled       bool
	Interval      time.Duration
	RunTimeout    time.Duration
	WarningDays   int
	CriticalDays  int
	ReportDir     string
	S3Bucket      string
	S3Prefix      string
	S3Region      string
	WebhookURL    string
	WebhookSecret string // HS256 key for signing alert bodies, empty disables signing
	SweepLeaves   bool
}

const (
	defaultListenAddress     = ":8080"
	defaultStorageType       = "postgres"
	defaultDBHost            = "localhost"
	defaultDBUser            = "certfleet"
	defaultDBPassword        = "password"
	defaultDBName            = "certfleet"
	defaultDBPort            = 5432
	defaultDBSSLMode         = "disable" // Default to disable SSL
	defaultDBMaxOpenConns    = 25
	defaultDBMaxIdleConns    = 10
	defaultDBPoolWaitTimeout = 10 * time.Second
	defaultCacheAddress      = "localhost:6379"
	defaultCacheKeyPrefix    = "pki_mcp"
	defaultCacheTTL          = time.Hour
	defaultCallTimeout       = 30 * time.Second
	defaultRateLimit         = 10
	defaultRateBurst         = 20
	defaultBreakerFailures   = 5
	defaultBreakerOpenFor    = 30 * time.Second
	defaultVaultAddress      = "http://localhost:8200"
	defaultVaultMount        = "pki_int"
	defaultVaultRole         = "server-cert"
	defaultVaultTTL          = "8760h"
	defaultGlobalSignURL     = "https://emea.api.hvca.globalsign.com:8443"
	defaultDigiCertURL       = "https://www.digicert.com/services/v2"
	defaultEntrustURL        = "https://api.entrust.net"
	defaultMonitorInterval   = time.Hour
	defaultMonitorTimeout    = 5 * time.Minute
	defaultWarningDays       = 30
	defaultCriticalDays      = 7
	defaultReportDir         = "./reports"
	defaultS3Prefix          = "cert-status/"
	defaultPerformedBy       = "system"
)

var defaultAPIKeys = map[string]APIKey{
	"admin-api-key": {Roles: []string{"admin"}},
}

// LoadConfig loads the service configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddress:     getEnv("CERTFLEET_LISTEN_ADDRESS", defaultListenAddress),
		StorageType:       getEnv("CERTFLEET_STORAGE_TYPE", defaultStorageType),
		DBHost:            getEnv("CERTFLEET_DB_HOST", defaultDBHost),
		DBUser:            getEnv("CERTFLEET_DB_USER", defaultDBUser),
		DBPassword:        getEnv("CERTFLEET_DB_PASSWORD", defaultDBPassword),
		DBName:            getEnv("CERTFLEET_DB_NAME", defaultDBName),
		DBPort:            getEnvAsInt("CERTFLEET_DB_PORT", defaultDBPort),
		DBSSLMode:         getEnv("CERTFLEET_DB_SSLMODE", defaultDBSSLMode),
		DBCert:            getEnv("CERTFLEET_DB_CERT", ""),
		DBKey:             getEnv("CERTFLEET_DB_KEY", ""),
		DBRootCert:        getEnv("CERTFLEET_DB_ROOTCERT", ""),
		DBMaxOpenConns:    getEnvAsInt("CERTFLEET_DB_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
		DBMaxIdleConns:    getEnvAsInt("CERTFLEET_DB_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
		DBPoolWaitTimeout: getEnvAsDuration("CERTFLEET_DB_POOL_WAIT_TIMEOUT", defaultDBPoolWaitTimeout),
		APIKeys:           loadAPIKeys(),
		Cache: CacheConfig{
			Enabled:    getEnvAsBool("CERTFLEET_CACHE_ENABLED", true),
			Address:    getEnv("CERTFLEET_REDIS_ADDRESS", defaultCacheAddress),
			Password:   getEnv("CERTFLEET_REDIS_PASSWORD", ""),
			DB:         getEnvAsInt("CERTFLEET_REDIS_DB", 0),
			KeyPrefix:  getEnv("CERTFLEET_CACHE_PREFIX", defaultCacheKeyPrefix),
			DefaultTTL: getEnvAsDuration("CERTFLEET_CACHE_TTL", defaultCacheTTL),
		},
		Providers: ProvidersConfig{
			CallTimeout:     getEnvAsDuration("CERTFLEET_PROVIDER_TIMEOUT", defaultCallTimeout),
			RateLimit:       float64(getEnvAsInt("CERTFLEET_PROVIDER_RATE_LIMIT", defaultRateLimit)),
			RateBurst:       getEnvAsInt("CERTFLEET_PROVIDER_RATE_BURST", defaultRateBurst),
			BreakerFailures: uint32(getEnvAsInt("CERTFLEET_PROVIDER_BREAKER_FAILURES", defaultBreakerFailures)),
			BreakerOpenFor:  getEnvAsDuration("CERTFLEET_PROVIDER_BREAKER_OPEN_FOR", defaultBreakerOpenFor),
			Vault: VaultConfig{
				Enabled:    getEnvAsBool("CERTFLEET_VAULT_ENABLED", true),
				Address:    getEnv("CERTFLEET_VAULT_ADDR", defaultVaultAddress),
				Token:      getEnv("CERTFLEET_VAULT_TOKEN", ""),
				Namespace:  getEnv("CERTFLEET_VAULT_NAMESPACE", ""),
				Mount:      getEnv("CERTFLEET_VAULT_PKI_MOUNT", defaultVaultMount),
				Role:       getEnv("CERTFLEET_VAULT_PKI_ROLE", defaultVaultRole),
				DefaultTTL: getEnv("CERTFLEET_VAULT_DEFAULT_TTL", defaultVaultTTL),
			},
			GlobalSign: loadCommercial("GLOBALSIGN", defaultGlobalSignURL),
			DigiCert:   loadCommercial("DIGICERT", defaultDigiCertURL),
			Entrust:    loadCommercial("ENTRUST", defaultEntrustURL),
		},
		Monitor: MonitorConfig{
			Enabled:       getEnvAsBool("CERTFLEET_MONITOR_ENABLED", true),
			Interval:      getEnvAsDuration("CERTFLEET_MONITOR_INTERVAL", defaultMonitorInterval),
			RunTimeout:    getEnvAsDuration("CERTFLEET_MONITOR_RUN_TIMEOUT", defaultMonitorTimeout),
			WarningDays:   getEnvAsInt("CERTFLEET_MONITOR_WARNING_DAYS", defaultWarningDays),
			CriticalDays:  getEnvAsInt("CERTFLEET_MONITOR_CRITICAL_DAYS", defaultCriticalDays),
			ReportDir:     getEnv("CERTFLEET_REPORT_DIR", defaultReportDir),
			S3Bucket:      getEnv("CERTFLEET_REPORT_S3_BUCKET", ""),
			S3Prefix:      getEnv("CERTFLEET_REPORT_S3_PREFIX", defaultS3Prefix),
			S3Region:      getEnv("CERTFLEET_REPORT_S3_REGION", ""),
			WebhookURL:    getEnv("CERTFLEET_ALERT_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("CERTFLEET_ALERT_WEBHOOK_SECRET", ""),
			SweepLeaves:   getEnvAsBool("CERTFLEET_MONITOR_SWEEP_LEAVES", true),
		},
		DefaultPerformedBy: getEnv("CERTFLEET_DEFAULT_PERFORMED_BY", defaultPerformedBy),
	}
	return cfg, nil
}

func loadCommercial(name, defaultURL string) CommercialConfig {
	prefix := "CERTFLEET_" + name + "_"
	apiKey := getEnv(prefix+"API_KEY", "")
	return CommercialConfig{
		Enabled:   getEnvAsBool(prefix+"ENABLED", apiKey != ""),
		BaseURL:   getEnv(prefix+"API_URL", defaultURL),
		APIKey:    apiKey,
		APISecret: getEnv(prefix+"API_SECRET", ""),
		AccountID: getEnv(prefix+"ACCOUNT_ID", ""),
		Product:   getEnv(prefix+"PRODUCT", ""),
	}
}

// loadAPIKeys reads CERTFLEET_API_KEYS as "key:role1|role2,key2:role".
func loadAPIKeys() map[string]APIKey {
	raw := os.Getenv("CERTFLEET_API_KEYS")
	if raw == "" {
		return defaultAPIKeys
	}
	keys := make(map[string]APIKey)
	for _, entry := range strings.Split(raw, ",") {
		key, roles, found := strings.Cut(strings.TrimSpace(entry), ":")
		if key == "" {
			continue
		}
		apiKey := APIKey{}
		if found && roles != "" {
			apiKey.Roles = strings.Split(roles, "|")
		}
		keys[key] = apiKey
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s (%s), using default: %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
