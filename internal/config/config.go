package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process and the call agent.
// All values must come from env (or an env-file named by ENV_FILE).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Payment   PaymentConfig
	Relay     RelayConfig
	Signaling SignalingConfig
	WebRTC    WebRTCConfig
	Session   SessionConfig
}

type AppConfig struct {
	Env     string
	Port    int
	Backend Backend
}

// Backend selects where sessions and signaling live. Memory keeps both in
// process and is refused in production.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// PaymentConfig points at the external checkout initiation endpoint.
type PaymentConfig struct {
	BaseURL       string
	APIKey        string
	Currency      string
	Timeout       time.Duration
	WebhookSecret string
}

type RelayMode string

const (
	RelayModeDirect  RelayMode = "direct"
	RelayModeManaged RelayMode = "managed"
)

// RelayConfig selects the media transport strategy and its token issuer.
// In direct mode tokens are minted locally with Secret; in managed mode
// IssuerURL is the external token endpoint.
type RelayConfig struct {
	Mode         RelayMode
	IssuerURL    string
	IssuerAPIKey string
	AppID        string
	Secret       string
	TokenTTL     time.Duration
}

type SignalingConfig struct {
	StreamTTL time.Duration
	MaxPeers  int
}

type WebRTCConfig struct {
	ICEServers []string
}

type SessionConfig struct {
	CodeWindow     time.Duration
	PaymentTimeout time.Duration
}

func Load() (Config, error) {
	if f := strings.TrimSpace(os.Getenv("ENV_FILE")); f != "" {
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("ENV_FILE %q: %w", f, err)
		}
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.Backend = Backend(strings.ToLower(strings.TrimSpace(os.Getenv("APP_BACKEND"))))
	external := c.App.Backend != BackendMemory

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if external {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if external {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Payment.BaseURL = strings.TrimSpace(os.Getenv("PAYMENT_BASE_URL"))
	c.Payment.APIKey = os.Getenv("PAYMENT_API_KEY")
	c.Payment.Currency = strings.ToUpper(strings.TrimSpace(os.Getenv("PAYMENT_CURRENCY")))
	c.Payment.Timeout = mustDuration("PAYMENT_TIMEOUT")
	c.Payment.WebhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")

	c.Relay.Mode = RelayMode(strings.ToLower(strings.TrimSpace(os.Getenv("RELAY_MODE"))))
	c.Relay.IssuerURL = strings.TrimSpace(os.Getenv("RELAY_ISSUER_URL"))
	c.Relay.IssuerAPIKey = os.Getenv("RELAY_ISSUER_API_KEY")
	c.Relay.AppID = strings.TrimSpace(os.Getenv("RELAY_APP_ID"))
	c.Relay.Secret = os.Getenv("RELAY_SECRET")
	c.Relay.TokenTTL = mustDuration("RELAY_TOKEN_TTL")

	c.Signaling.StreamTTL = mustDuration("SIGNALING_STREAM_TTL")
	if v := strings.TrimSpace(os.Getenv("SIGNALING_MAX_PEERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("SIGNALING_MAX_PEERS must be an integer, got %q", v))
		}
		c.Signaling.MaxPeers = n
	}

	c.WebRTC.ICEServers = splitList(os.Getenv("WEBRTC_ICE_SERVERS"))

	c.Session.CodeWindow = mustDuration("SESSION_CODE_WINDOW")
	c.Session.PaymentTimeout = mustDuration("SESSION_PAYMENT_TIMEOUT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required fields and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.App.Backend == "" {
		c.App.Backend = BackendPostgres
	}
	switch c.App.Backend {
	case BackendPostgres:
		errs = append(errs, c.validateStores()...)
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("APP_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("APP_BACKEND must be one of postgres, memory, got %q", c.App.Backend))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Payment.BaseURL == "" {
		errs = append(errs, errors.New("PAYMENT_BASE_URL is required"))
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "INR"
	}
	if c.Payment.Timeout <= 0 {
		c.Payment.Timeout = 10 * time.Second
	}
	if c.IsProduction() && c.Payment.WebhookSecret == "" {
		errs = append(errs, errors.New("PAYMENT_WEBHOOK_SECRET is required in production"))
	}

	if c.Relay.Mode == "" {
		c.Relay.Mode = RelayModeDirect
	}
	switch c.Relay.Mode {
	case RelayModeDirect:
		if c.Relay.Secret == "" {
			errs = append(errs, errors.New("RELAY_SECRET is required in direct mode"))
		}
	case RelayModeManaged:
		if c.Relay.IssuerURL == "" {
			errs = append(errs, errors.New("RELAY_ISSUER_URL is required in managed mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("RELAY_MODE must be one of direct, managed, got %q", c.Relay.Mode))
	}
	if c.Relay.TokenTTL <= 0 {
		c.Relay.TokenTTL = 10 * time.Minute
	}

	if c.Signaling.StreamTTL <= 0 {
		c.Signaling.StreamTTL = 2 * time.Hour
	}
	if c.Signaling.MaxPeers <= 0 {
		c.Signaling.MaxPeers = 2
	}

	if len(c.WebRTC.ICEServers) == 0 {
		c.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	if c.Session.CodeWindow <= 0 {
		c.Session.CodeWindow = 30 * time.Minute
	}
	if c.Session.PaymentTimeout <= 0 {
		c.Session.PaymentTimeout = 15 * time.Minute
	}

	return joinErrors(errs)
}

func (c *Config) validateStores() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
