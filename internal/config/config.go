package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the application configuration.
type Config struct {
	ServerPort int    `envconfig:"SERVER_PORT" default:"8080"`
	ServerURL  string `envconfig:"SERVER_URL" default:"http://localhost:8080"`

	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL" required:"true"`

	ServerSecret       string `envconfig:"SERVER_SECRET" required:"true"`
	SealSalt           string `envconfig:"SEAL_SALT" default:"meetd-seal-v1"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`
	RegistrationSecret string `envconfig:"REGISTRATION_SECRET"`
	CredentialCost     int    `envconfig:"CREDENTIAL_COST" default:"10"`

	ProposalMaxLifetime time.Duration `envconfig:"PROPOSAL_MAX_LIFETIME" default:"168h"`
	ExpirySweepInterval time.Duration `envconfig:"EXPIRY_SWEEP_INTERVAL" default:"1m"`
	NoncePruneInterval  time.Duration `envconfig:"NONCE_PRUNE_INTERVAL" default:"1h"`

	WebhookTimeout     time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	WebhookMaxAttempts int           `envconfig:"WEBHOOK_MAX_ATTEMPTS" default:"5"`
	WebhookBackoff     time.Duration `envconfig:"WEBHOOK_BACKOFF" default:"1s"`
	WebhookWorkers     int           `envconfig:"WEBHOOK_WORKERS" default:"4"`
	WebhookQueueSize   int           `envconfig:"WEBHOOK_QUEUE_SIZE" default:"256"`

	AvailabilityTimezone     string        `envconfig:"AVAILABILITY_TIMEZONE" default:"UTC"`
	AvailabilityGranularity  time.Duration `envconfig:"AVAILABILITY_GRANULARITY" default:"30m"`
	AvailabilityMinLead      time.Duration `envconfig:"AVAILABILITY_MIN_LEAD" default:"4h"`
	AvailabilityMaxHorizon   time.Duration `envconfig:"AVAILABILITY_MAX_HORIZON" default:"336h"`
	AvailabilityWorkdayStart int           `envconfig:"AVAILABILITY_WORKDAY_START" default:"9"`
	AvailabilityWorkdayEnd   int           `envconfig:"AVAILABILITY_WORKDAY_END" default:"17"`
	AvailabilityLimit        int           `envconfig:"AVAILABILITY_LIMIT" default:"20"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Sharing signed proposals through S3 is off while the bucket is empty.
	AWSBucketName      string `envconfig:"AWS_BUCKET_NAME"`
	AWSRegion          string `envconfig:"AWS_REGION"`
	AWSEndpoint        string `envconfig:"AWS_ENDPOINT"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the configuration from environment variables and validates it.
func Load(cfg *Config) error {
	if err := envconfig.Process("", cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" || c.ServerSecret == "" || c.JWTSecret == "" {
		return fmt.Errorf("DATABASE_URL, SERVER_SECRET and JWT_SECRET must not be empty")
	}
	c.DatabaseDriver = strings.ToLower(c.DatabaseDriver)
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("AVAILABILITY_TIMEZONE: %w", err)
	}
	if c.AvailabilityWorkdayStart < 0 || c.AvailabilityWorkdayEnd > 24 || c.AvailabilityWorkdayStart >= c.AvailabilityWorkdayEnd {
		return fmt.Errorf("workday bounds must satisfy 0 <= start < end <= 24, got %d-%d",
			c.AvailabilityWorkdayStart, c.AvailabilityWorkdayEnd)
	}
	if c.AvailabilityGranularity <= 0 {
		return fmt.Errorf("AVAILABILITY_GRANULARITY must be positive")
	}
	if c.ProposalMaxLifetime <= 0 {
		return fmt.Errorf("PROPOSAL_MAX_LIFETIME must be positive")
	}
	if c.WebhookMaxAttempts < 1 || c.WebhookWorkers < 1 || c.WebhookQueueSize < 1 {
		return fmt.Errorf("webhook attempts, workers and queue size must be at least 1")
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	return nil
}

// Location resolves AVAILABILITY_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.AvailabilityTimezone)
}

func (c *Config) ShareEnabled() bool {
	return c.AWSBucketName != ""
}
