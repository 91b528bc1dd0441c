// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DevJWTSecret is used when no authentication is configured outside production.
const DevJWTSecret = "dev-secret-change-in-production"

// AuthConfig holds authentication and identity provider configuration.
type AuthConfig struct {
	// OIDC / JWKS configuration
	IssuerURL      string   // OIDC issuer URL (e.g., https://login.microsoftonline.com/{tenant}/v2.0)
	JWKSURL        string   // Override JWKS URL (if no .well-known discovery)
	JWTSecret      string   // HS256 shared secret for local/dev JWT auth
	Audience       string   // Required JWT audience claim
	AllowedIssuers []string // Accepted issuers (OIDC defaults to [IssuerURL]; HS256 checks only when set)

	// API key settings
	APIKeys      map[string]string // raw key → user id, from API_KEYS=key:user,...
	APIKeyHeader string            // Header name for API keys (default: X-API-Key)

	NameClaim string // JWT claim for the user id (default: "sub")
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != "" || a.JWKSURL != ""
}

// Validate checks that the auth configuration is internally consistent.
func (a *AuthConfig) Validate() error {
	if a.IssuerURL != "" && a.Audience == "" {
		return fmt.Errorf("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
	}
	return nil
}

// PolicyConfig holds the global execution policy caps.
type PolicyConfig struct {
	MaxQueryDurationSeconds int
	MaxResultRows           int
	MaxResultSizeMb         int
	MaxFileSizeMb           int
	QueriesPerHour          int64 // negative disables the limit
	QueriesPerDay           int64 // negative disables the limit
	AllowedFileTypes        []string
	OverridesFile           string // optional YAML file with per-user overrides
}

// UsageConfig selects the usage counter store.
type UsageConfig struct {
	Store       string // memory, sqlite or postgres
	PostgresDSN string
}

// EngineConfig describes one query engine backend. Exactly one of DSN (with
// Driver) or URL is expected.
type EngineConfig struct {
	Name   string
	Driver string // duckdb, pgx, mysql, sqlite3
	DSN    string
	URL    string // remote HTTP query gateway
	Token  string // bearer token for URL
}

// ResultsConfig controls result persistence and download links.
type ResultsConfig struct {
	Index         string // memory or sqlite
	BlobStore     string // memory, s3, gcs, azure, minio
	Bucket        string
	Prefix        string
	Retention     time.Duration
	TokenMaxUses  int
	SweepSchedule string // robfig/cron spec

	// Object storage credentials.
	KeyID            string
	Secret           string
	Endpoint         string
	Region           string
	UseSSL           bool
	GCSKeyFile       string
	AzureAccountName string
	AzureAccountKey  string
}

// Config holds the configuration for the run service.
type Config struct {
	ListenAddr        string // HTTP listen address (default ":8080")
	PublicBaseURL     string // prefix for download URLs
	MetaDBPath        string // path to the SQLite metadata file
	TLSCertFile       string // TLS certificate file path (optional)
	TLSKeyFile        string // TLS private key file path (optional)
	AllowInsecureHTTP bool   // allow non-TLS listener in production (for trusted TLS termination)
	LogLevel          string // log level: debug, info, warn, error (default "info")
	LogFormat         string // text, json or auto (default "text")
	Env               string // environment: "development" (default) or "production"

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	Auth    AuthConfig
	Policy  PolicyConfig
	Usage   UsageConfig
	Engines []EngineConfig
	Results ResultsConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// EngineNames returns the configured engine names in declaration order.
func (c *Config) EngineNames() []string {
	names := make([]string, 0, len(c.Engines))
	for _, e := range c.Engines {
		names = append(names, e.Name)
	}
	return names
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:         os.Getenv("META_DB_PATH"),
		ListenAddr:         os.Getenv("LISTEN_ADDR"),
		PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),
		TLSCertFile:        os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:         os.Getenv("TLS_KEY_FILE"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          strings.ToLower(os.Getenv("LOG_FORMAT")),
		Env:                os.Getenv("ENV"),
		AllowInsecureHTTP:  parseBoolEnvDefault("ALLOW_INSECURE_HTTP", false),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", 200); err != nil {
		return nil, err
	}

	// Auth config
	cfg.Auth = AuthConfig{
		IssuerURL:      os.Getenv("AUTH_ISSUER_URL"),
		JWKSURL:        os.Getenv("AUTH_JWKS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		Audience:       os.Getenv("AUTH_AUDIENCE"),
		AllowedIssuers: splitList(os.Getenv("AUTH_ALLOWED_ISSUERS")),
		APIKeyHeader:   os.Getenv("AUTH_API_KEY_HEADER"),
		NameClaim:      os.Getenv("AUTH_NAME_CLAIM"),
	}
	if cfg.Auth.APIKeys, err = parseAPIKeys(os.Getenv("API_KEYS")); err != nil {
		return nil, err
	}
	if err := cfg.Auth.Validate(); err != nil {
		return nil, err
	}
	if cfg.Auth.APIKeyHeader == "" {
		cfg.Auth.APIKeyHeader = "X-API-Key"
	}
	if cfg.Auth.NameClaim == "" {
		cfg.Auth.NameClaim = "sub"
	}

	if err := loadPolicy(cfg); err != nil {
		return nil, err
	}
	if err := loadEngines(cfg); err != nil {
		return nil, err
	}
	if err := loadResults(cfg); err != nil {
		return nil, err
	}

	cfg.Usage = UsageConfig{
		Store:       strings.ToLower(os.Getenv("USAGE_STORE")),
		PostgresDSN: os.Getenv("USAGE_POSTGRES_DSN"),
	}
	if cfg.Usage.Store == "" {
		cfg.Usage.Store = "sqlite"
	}
	switch cfg.Usage.Store {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Usage.PostgresDSN == "" {
			return nil, fmt.Errorf("USAGE_POSTGRES_DSN is required when USAGE_STORE=postgres")
		}
	default:
		return nil, fmt.Errorf("USAGE_STORE must be memory, sqlite or postgres, got %q", cfg.Usage.Store)
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "querydesk_meta.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" && cfg.LogFormat != "auto" {
		return nil, fmt.Errorf("LOG_FORMAT must be text, json or auto, got %q", cfg.LogFormat)
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.PublicBaseURL == "" {
		cfg.Warnings = append(cfg.Warnings, "PUBLIC_BASE_URL not set — download URLs will be relative")
	}

	authConfigured := cfg.Auth.OIDCEnabled() || cfg.Auth.JWTSecret != "" || len(cfg.Auth.APIKeys) > 0

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !authConfigured {
			return nil, fmt.Errorf("authentication must be configured in production (set AUTH_ISSUER_URL, AUTH_JWKS_URL, JWT_SECRET or API_KEYS)")
		}
		if cfg.Auth.JWTSecret == DevJWTSecret {
			return nil, fmt.Errorf("JWT_SECRET must not use the development default in production")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if cfg.TLSCertFile == "" && !cfg.AllowInsecureHTTP {
			return nil, fmt.Errorf("TLS_CERT_FILE/TLS_KEY_FILE must be set in production unless ALLOW_INSECURE_HTTP=true")
		}
		if cfg.Results.BlobStore == "memory" {
			cfg.Warnings = append(cfg.Warnings, "RESULT_BLOB_STORE=memory in production — artifacts are lost on restart")
		}
	} else if !authConfigured {
		cfg.Auth.JWTSecret = DevJWTSecret
		cfg.Warnings = append(cfg.Warnings, "no authentication configured — using insecure JWT_SECRET default. Set JWT_SECRET in production!")
	}

	return cfg, nil
}

func loadPolicy(cfg *Config) error {
	var err error
	p := &cfg.Policy
	if p.MaxQueryDurationSeconds, err = envInt("POLICY_MAX_QUERY_DURATION_SECONDS", 3600); err != nil {
		return err
	}
	if p.MaxResultRows, err = envInt("POLICY_MAX_RESULT_ROWS", 10000); err != nil {
		return err
	}
	if p.MaxResultSizeMb, err = envInt("POLICY_MAX_RESULT_SIZE_MB", 100); err != nil {
		return err
	}
	if p.MaxFileSizeMb, err = envInt("POLICY_MAX_FILE_SIZE_MB", 100); err != nil {
		return err
	}
	if p.QueriesPerHour, err = envInt64("POLICY_QUERIES_PER_HOUR", 50); err != nil {
		return err
	}
	if p.QueriesPerDay, err = envInt64("POLICY_QUERIES_PER_DAY", 500); err != nil {
		return err
	}
	if p.MaxQueryDurationSeconds < 1 || p.MaxResultRows < 1 {
		return fmt.Errorf("POLICY_MAX_QUERY_DURATION_SECONDS and POLICY_MAX_RESULT_ROWS must be positive")
	}

	p.AllowedFileTypes = splitList(strings.ToLower(os.Getenv("POLICY_ALLOWED_FILE_TYPES")))
	if len(p.AllowedFileTypes) == 0 {
		p.AllowedFileTypes = []string{"csv", "json", "parquet"}
	}
	for _, ft := range p.AllowedFileTypes {
		switch ft {
		case "csv", "json", "parquet":
		default:
			return fmt.Errorf("POLICY_ALLOWED_FILE_TYPES: unsupported file type %q", ft)
		}
	}
	p.OverridesFile = os.Getenv("POLICY_OVERRIDES_FILE")
	return nil
}

func loadEngines(cfg *Config) error {
	names := splitList(strings.ToLower(os.Getenv("ENGINES")))
	if len(names) == 0 {
		names = []string{"bigquery", "trino"}
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return fmt.Errorf("ENGINES: duplicate engine %q", name)
		}
		seen[name] = true

		prefix := "ENGINE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		e := EngineConfig{
			Name:   name,
			Driver: strings.ToLower(os.Getenv(prefix + "DRIVER")),
			DSN:    os.Getenv(prefix + "DSN"),
			URL:    os.Getenv(prefix + "URL"),
			Token:  os.Getenv(prefix + "TOKEN"),
		}
		if e.URL != "" && e.DSN != "" {
			return fmt.Errorf("%sURL and %sDSN are mutually exclusive", prefix, prefix)
		}
		if e.URL == "" && e.Driver == "" {
			e.Driver = "duckdb"
			if e.DSN == "" {
				cfg.Warnings = append(cfg.Warnings,
					fmt.Sprintf("engine %q has no backend configured — using in-memory DuckDB", name))
			}
		}
		cfg.Engines = append(cfg.Engines, e)
	}
	return nil
}

func loadResults(cfg *Config) error {
	r := &cfg.Results
	r.Index = strings.ToLower(os.Getenv("RESULT_INDEX"))
	r.BlobStore = strings.ToLower(os.Getenv("RESULT_BLOB_STORE"))
	r.Bucket = os.Getenv("RESULT_BUCKET")
	r.Prefix = os.Getenv("RESULT_PREFIX")
	r.SweepSchedule = os.Getenv("RESULT_SWEEP_SCHEDULE")
	r.KeyID = os.Getenv("KEY_ID")
	r.Secret = os.Getenv("SECRET")
	r.Endpoint = os.Getenv("ENDPOINT")
	r.Region = os.Getenv("REGION")
	r.UseSSL = parseBoolEnvDefault("USE_SSL", true)
	r.GCSKeyFile = os.Getenv("GCS_KEY_FILE")
	r.AzureAccountName = os.Getenv("AZURE_ACCOUNT_NAME")
	r.AzureAccountKey = os.Getenv("AZURE_ACCOUNT_KEY")

	var err error
	if r.Retention, err = envDuration("RESULT_RETENTION", time.Hour); err != nil {
		return err
	}
	if r.TokenMaxUses, err = envInt("RESULT_TOKEN_MAX_USES", 1); err != nil {
		return err
	}
	if r.Retention <= 0 {
		return fmt.Errorf("RESULT_RETENTION must be positive")
	}
	if r.TokenMaxUses < 1 {
		return fmt.Errorf("RESULT_TOKEN_MAX_USES must be at least 1")
	}

	if r.Index == "" {
		r.Index = "sqlite"
	}
	if r.Index != "memory" && r.Index != "sqlite" {
		return fmt.Errorf("RESULT_INDEX must be memory or sqlite, got %q", r.Index)
	}
	if r.BlobStore == "" {
		r.BlobStore = "memory"
	}
	switch r.BlobStore {
	case "memory":
	case "s3", "gcs", "azure", "minio":
		if r.Bucket == "" {
			return fmt.Errorf("RESULT_BUCKET is required when RESULT_BLOB_STORE=%s", r.BlobStore)
		}
	default:
		return fmt.Errorf("RESULT_BLOB_STORE must be memory, s3, gcs, azure or minio, got %q", r.BlobStore)
	}
	if r.SweepSchedule == "" {
		r.SweepSchedule = "@every 5m"
	}
	return nil
}

// parseAPIKeys parses "key:user,key2:user2".
func parseAPIKeys(v string) (map[string]string, error) {
	items := splitList(v)
	if len(items) == 0 {
		return nil, nil
	}
	keys := make(map[string]string, len(items))
	for _, item := range items {
		key, user, ok := strings.Cut(item, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("API_KEYS: entry must be key:user")
		}
		keys[key] = user
	}
	return keys, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s: invalid positive number %q", key, v)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
