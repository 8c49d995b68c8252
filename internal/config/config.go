package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Database   *DBConfig
	Service    *ServiceConfig
	Railway    *RailwayConfig
	OpenRouter *OpenRouterConfig
	AgentMail  *AgentMailConfig
	Twilio     *TwilioConfig
	Reconciler *ReconcilerConfig
}

type DBConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"instance-orchestrator"`
	User     string `envconfig:"DB_USER"`
	Password string `envconfig:"DB_PASS"`
}

type ServiceConfig struct {
	Address      string        `envconfig:"SVC_ADDRESS" default:":8080"`
	APIKey       string        `envconfig:"SVC_API_KEY"`
	RuntimeImage string        `envconfig:"RUNTIME_IMAGE" default:"ghcr.io/convos-project/agent-runtime:latest"`
	StuckTimeout time.Duration `envconfig:"STUCK_TIMEOUT" default:"15m"`
}

// RailwayConfig scopes every compute operation to one project/environment.
type RailwayConfig struct {
	Token         string `envconfig:"RAILWAY_TOKEN"`
	Endpoint      string `envconfig:"RAILWAY_ENDPOINT" default:"https://backboard.railway.app/graphql/v2"`
	ProjectID     string `envconfig:"RAILWAY_PROJECT_ID"`
	EnvironmentID string `envconfig:"RAILWAY_ENVIRONMENT_ID"`
}

type OpenRouterConfig struct {
	ProvisioningKey string  `envconfig:"OPENROUTER_PROVISIONING_KEY"`
	Endpoint        string  `envconfig:"OPENROUTER_ENDPOINT" default:"https://openrouter.ai/api/v1"`
	DefaultLimit    float64 `envconfig:"OPENROUTER_DEFAULT_LIMIT" default:"5"`
}

type AgentMailConfig struct {
	APIKey   string `envconfig:"AGENTMAIL_API_KEY"`
	Endpoint string `envconfig:"AGENTMAIL_ENDPOINT" default:"https://api.agentmail.to/v0"`
}

type TwilioConfig struct {
	AccountSID         string `envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken          string `envconfig:"TWILIO_AUTH_TOKEN"`
	Endpoint           string `envconfig:"TWILIO_ENDPOINT" default:"https://api.twilio.com/2010-04-01"`
	MessagingServiceID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	AreaCode           string `envconfig:"TWILIO_AREA_CODE" default:"415"`
}

type ReconcilerConfig struct {
	PageSize       int      `envconfig:"RECONCILER_PAGE_SIZE" default:"100"`
	RequestsPerSec float64  `envconfig:"RECONCILER_RPS" default:"5"`
	KeepResources  []string `envconfig:"RECONCILER_KEEP"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if cfg.Database.Type != "pgsql" && cfg.Database.Type != "sqlite" {
		log.Printf("WARNING: invalid DB_TYPE %q, defaulting to sqlite", cfg.Database.Type)
		cfg.Database.Type = "sqlite"
	}
	return cfg, nil
}
