package config

import (
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Application struct {
	Name        string        `envconfig:"APP_NAME" default:"tm-gate"`
	Environment string        `envconfig:"APP_ENVIRONMENT" default:"development"`
	Port        int           `envconfig:"APP_PORT" default:"9000"`
	Debug       bool          `envconfig:"APP_DEBUG" default:"false"`
	Timeout     time.Duration `envconfig:"APP_TIMEOUT" default:"10s"`
	TMGate      struct {
		BaseURL string `envconfig:"APP_TM_GATE_BASE_URL" default:"http://localhost:9000/tm-gate"`
	}
}

type PostgreSQL struct {
	Host         string `envconfig:"POSTGRESQL_HOST" default:"localhost"`
	Port         int    `envconfig:"POSTGRESQL_PORT" default:"5432"`
	User         string `envconfig:"POSTGRESQL_USER" default:"postgres"`
	Password     string `envconfig:"POSTGRESQL_PASSWORD" default:""`
	DBName       string `envconfig:"POSTGRESQL_DBNAME" default:"tm_gate"`
	SSLMode      string `envconfig:"POSTGRESQL_SSLMODE" default:"disable"`
	MaxOpenConns int    `envconfig:"POSTGRESQL_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns int    `envconfig:"POSTGRESQL_MAX_IDLE_CONNS" default:"5"`
}

type Redis struct {
	Address  string `envconfig:"REDIS_ADDRESS" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type Kafka struct {
	BootstrapServers string `envconfig:"KAFKA_BOOTSTRAP_SERVERS" default:"localhost:9092"`
	SecurityProtocol string `envconfig:"KAFKA_SECURITY_PROTOCOL" default:"plaintext"`
	Username         string `envconfig:"KAFKA_USERNAME" default:""`
	Password         string `envconfig:"KAFKA_PASSWORD" default:""`
}

type JWT struct {
	PrivateKey []byte `envconfig:"JWT_PRIVATE_KEY"`
	PublicKey  []byte `envconfig:"JWT_PUBLIC_KEY"`
}

type GCP struct {
	ProjectID      string `envconfig:"GCP_PROJECT_ID"`
	ServiceAccount []byte `envconfig:"GCP_SERVICE_ACCOUNT"`
}

type CORS struct {
	AllowedOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	AllowedMethods   []string `envconfig:"CORS_ALLOWED_METHODS" default:"GET,POST,PUT,PATCH,DELETE,OPTIONS"`
	AllowedHeaders   []string `envconfig:"CORS_ALLOWED_HEADERS" default:"Authorization,Content-Type,X-Idempotency-Key"`
	ExposedHeaders   []string `envconfig:"CORS_EXPOSED_HEADERS" default:"X-Trace-Id"`
	MaxAge           int      `envconfig:"CORS_MAX_AGE" default:"3600"`
	AllowCredentials bool     `envconfig:"CORS_ALLOW_CREDENTIALS" default:"true"`
}

type Gate struct {
	AuditTopic              string        `envconfig:"GATE_AUDIT_TOPIC" default:"gate-audit"`
	DuplicateWindow         time.Duration `envconfig:"GATE_DUPLICATE_WINDOW" default:"5m"`
	TimepassDuplicateWindow time.Duration `envconfig:"GATE_TIMEPASS_DUPLICATE_WINDOW" default:"0s"`
	ClaimMaxRetry           int           `envconfig:"GATE_CLAIM_MAX_RETRY" default:"3"`
	IdempotencyTTL          time.Duration `envconfig:"GATE_IDEMPOTENCY_TTL" default:"24h"`
	SessionTTL              time.Duration `envconfig:"GATE_SESSION_TTL" default:"12h"`
}

type Agent struct {
	ServerBaseURL  string        `envconfig:"AGENT_SERVER_BASE_URL" default:"http://localhost:9000/tm-gate"`
	ServerToken    string        `envconfig:"AGENT_SERVER_TOKEN"`
	DeviceID       string        `envconfig:"AGENT_DEVICE_ID"`
	TenantID       string        `envconfig:"AGENT_TENANT_ID"`
	Port           int           `envconfig:"AGENT_PORT" default:"9100"`
	ReplayInterval time.Duration `envconfig:"AGENT_REPLAY_INTERVAL" default:"5s"`
}

type Config struct {
	Application Application
	PostgreSQL  PostgreSQL
	Redis       Redis
	Kafka       Kafka
	JWT         JWT
	GCP         GCP
	CORS        CORS
	Gate        Gate
	Agent       Agent
}

var (
	c    *Config
	once sync.Once
)

func Get() *Config {
	once.Do(func() {
		c = &Config{}
		envconfig.MustProcess("", c)
	})

	return c
}
