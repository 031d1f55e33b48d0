package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// SystemTokenHash is the bcrypt hash of the token internal callers present.
	SystemTokenHash string

	Redis       RedisConfig
	RateLimit   RateLimitConfig
	AI          AIConfig
	Escrow      EscrowConfig
	Email       EmailConfig
	MetricsPush MetricsPushConfig
	Scheduler   SchedulerConfig
	PolicyPaths []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig bounds how often one caller may mutate disputes. Generation
// requests fan out to three models and get their own, tighter bucket.
type RateLimitConfig struct {
	Enabled         bool
	MutationRate    float64
	MutationBurst   int
	GenerationRate  float64
	GenerationBurst int
}

// AIConfig configures the three specialist model providers.
type AIConfig struct {
	RateLimitRPS float64
	Burst        int
	Policy       ModelConfig
	Reasoning    ModelConfig
	Context      ModelConfig
}

type ModelConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type EscrowConfig struct {
	Gateway         string
	StripeSecretKey string
	// PlatformAccount receives penalty fees on the stripe gateway.
	PlatformAccount string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

type SchedulerConfig struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

const (
	EscrowGatewayLedger = "ledger"
	EscrowGatewayStripe = "stripe"
)

// Load reads the environment, after a .env file in the working directory
// when one exists. Unparseable values fall back to the defaults below.
func Load() Config {
	_ = godotenv.Load()
	e := newEnv()

	aiBase := e.str("AI_BASE_URL", "https://api.openai.com/v1/")
	aiKey := e.str("AI_API_KEY", "")
	aiTimeout := e.duration("AI_TIMEOUT", 45*time.Second)
	model := func(prefix, name string) ModelConfig {
		return ModelConfig{
			BaseURL: e.str(prefix+"_BASE_URL", aiBase),
			APIKey:  e.str(prefix+"_API_KEY", aiKey),
			Model:   e.str(prefix+"_MODEL", name),
			Timeout: e.duration(prefix+"_TIMEOUT", aiTimeout),
		}
	}

	return Config{
		AppName:      e.str("APP_SERVICE", "arbiter"),
		AppVersion:   e.str("APP_VERSION", "0.1.0"),
		Environment:  e.str("ENVIRONMENT", "development"),
		HTTPAddr:     e.str("HTTP_ADDR", ":8080"),
		OTLPEndpoint: e.str("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            e.lower("DATABASE_TYPE", "postgres"),
		DBHost:            e.str("DATABASE_HOST", "localhost"),
		DBPort:            e.str("DATABASE_PORT", "5432"),
		DBName:            e.str("DATABASE_NAME", "arbiter"),
		DBUser:            e.str("DATABASE_USER", "postgres"),
		DBPassword:        e.str("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         e.str("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     e.integer("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     e.integer("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: e.integer("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: e.integer("DATABASE_CONN_MAX_IDLE_TIME", 60),

		SystemTokenHash: e.str("SYSTEM_TOKEN_HASH", ""),

		Redis: RedisConfig{
			Addr:     e.str("REDIS_ADDR", ""),
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.integer("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:         e.flag("RATE_LIMIT_ENABLED", false),
			MutationRate:    e.number("RATE_LIMIT_MUTATION_RATE", 1),
			MutationBurst:   e.integer("RATE_LIMIT_MUTATION_BURST", 10),
			GenerationRate:  e.number("RATE_LIMIT_GENERATION_RATE", 0.05),
			GenerationBurst: e.integer("RATE_LIMIT_GENERATION_BURST", 2),
		},
		AI: AIConfig{
			RateLimitRPS: e.number("AI_RATE_LIMIT_RPS", 2),
			Burst:        e.integer("AI_RATE_LIMIT_BURST", 4),
			Policy:       model("AI_POLICY", "gpt-4o"),
			Reasoning:    model("AI_REASONING", "gpt-4o"),
			Context:      model("AI_CONTEXT", "gpt-4o-mini"),
		},
		Escrow: EscrowConfig{
			Gateway:         e.lower("ESCROW_GATEWAY", EscrowGatewayLedger),
			StripeSecretKey: e.str("STRIPE_SECRET_KEY", ""),
			PlatformAccount: e.str("STRIPE_PLATFORM_ACCOUNT", ""),
		},
		Email: EmailConfig{
			SMTPHost:     e.str("SMTP_HOST", ""),
			SMTPPort:     e.integer("SMTP_PORT", 587),
			SMTPUsername: e.str("SMTP_USERNAME", ""),
			SMTPPassword: e.raw("SMTP_PASSWORD"),
			SMTPFrom:     e.str("SMTP_FROM", "disputes@arbiter.local"),
		},
		MetricsPush: MetricsPushConfig{
			Enabled:   e.flag("METRICS_PUSH_ENABLED", false),
			Exporter:  e.lower("METRICS_PUSH_EXPORTER", ""),
			Endpoint:  e.str("METRICS_PUSH_ENDPOINT", ""),
			AuthToken: e.str("METRICS_PUSH_AUTH_TOKEN", ""),
		},
		Scheduler: SchedulerConfig{
			RunInterval: e.duration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   e.integer("SCHEDULER_BATCH_SIZE", 50),
			EnabledJobs: e.list("SCHEDULER_ENABLED_JOBS"),
		},
		PolicyPaths: e.listOr("DISPUTE_POLICY_PATHS", "/etc/arbiter", "."),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// env reads trimmed values through viper. A set but malformed value keeps
// the default rather than becoming a zero.
type env struct {
	v *viper.Viper
}

func newEnv() env {
	v := viper.New()
	v.AutomaticEnv()
	return env{v: v}
}

func (e env) raw(key string) string {
	return e.v.GetString(key)
}

func (e env) str(key, def string) string {
	if value := strings.TrimSpace(e.v.GetString(key)); value != "" {
		return value
	}
	return def
}

func (e env) lower(key, def string) string {
	return strings.ToLower(e.str(key, def))
}

func (e env) flag(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	value, err := cast.ToBoolE(raw)
	if err != nil {
		return def
	}
	return value
}

func (e env) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	value, err := cast.ToIntE(raw)
	if err != nil {
		return def
	}
	return value
}

func (e env) number(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	value, err := cast.ToFloat64E(raw)
	if err != nil {
		return def
	}
	return value
}

func (e env) duration(key string, def time.Duration) time.Duration {
	value, err := time.ParseDuration(e.str(key, ""))
	if err != nil || value <= 0 {
		return def
	}
	return value
}

func (e env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e env) listOr(key string, def ...string) []string {
	if out := e.list(key); len(out) > 0 {
		return out
	}
	return def
}
