package config

import (
	"time"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

type ApplicationConfig struct {
	Name         string `koanf:"name" default:"school-tt-bot" validate:"required,notblank,max=64"`
	InstanceName string
	Version      string
	Commit       string
	BuildTime    string
}

type LoggingConfig struct {
	RootLevel     string            `koanf:"root_level" default:"info" validate:"required,oneof=trace debug info warn error fatal panic disabled"`
	LiteralLevels map[string]string `koanf:"literal_levels" validate:"max=100,dive,keys,required,min=1,max=100,endkeys,required,oneof=trace debug info warn error fatal panic disabled"`
	RegexLevels   map[string]string `koanf:"regex_levels" validate:"max=100,dive,keys,required,min=1,max=100,endkeys,required,oneof=trace debug info warn error fatal panic disabled"`
	PrettyPrint   bool              `koanf:"pretty_print"`
}

// WebhookConfig is used only when BotConfig.Mode is "webhook".
type WebhookConfig struct {
	PublicURL    string      `koanf:"public_url" validate:"omitempty,url,startswith=https://,max=255"`
	Path         string      `koanf:"path" default:"/telegram/updates" validate:"required,startswith=/,max=128"`
	Port         uint16      `koanf:"port" default:"8443" validate:"required,min=1"`
	Secret       util.Secret `koanf:"secret" validate:"omitempty,min=16,max=256"`
	Certificate  string      `koanf:"certificate" validate:"omitempty,max=255,filepath"`
	Key          string      `koanf:"key" validate:"omitempty,required_with=Certificate,max=255,filepath"`
	AllowedCIDRs []string    `koanf:"allowed_cidrs" validate:"max=20,unique,dive,required,cidr"`
}

type BotConfig struct {
	Token       util.Secret   `koanf:"token" validate:"required,min=20,max=80"`
	Mode        string        `koanf:"mode" default:"polling" validate:"required,enum=polling#webhook"`
	PollTimeout time.Duration `koanf:"poll_timeout" default:"50s" validate:"min=1000000000,max=60000000000"` // 1s to 60s
	NumWorkers  uint8         `koanf:"num_workers" default:"8" validate:"min=1,max=64"`
	QueueSize   uint16        `koanf:"queue_size" default:"256" validate:"min=8,max=8192"`
	Webhook     WebhookConfig `koanf:"webhook"`
}

type DatabaseConfig struct {
	URL            util.Secret   `koanf:"url" validate:"required,min=12,max=512,startswith=postgres"`
	MinPool        int32         `koanf:"min_pool" default:"1" validate:"min=1,max=100"`
	MaxPool        int32         `koanf:"max_pool" default:"10" validate:"min=1,max=500,gtefield=MinPool"`
	QueryTimeout   time.Duration `koanf:"query_timeout" default:"5s" validate:"min=100000000,max=60000000000"`   // 100ms to 60s
	AcquireTimeout time.Duration `koanf:"acquire_timeout" default:"3s" validate:"min=100000000,max=30000000000"` // 100ms to 30s
}

type SchoolConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url,max=255"`
	AuthURL        string        `koanf:"auth_url" validate:"required,url,max=255"`
	ClientID       string        `koanf:"client_id" validate:"required,notblank,max=64"`
	CredentialsEnv string        `koanf:"credentials_env" default:"SCHOOL_API" validate:"required,min=2,max=64"`
	Truststore     string        `koanf:"truststore" validate:"omitempty,max=255,filepath"`
	Timeout        time.Duration `koanf:"timeout" default:"10s" validate:"min=1000000000,max=60000000000"` // 1s to 60s
	SuccessTTL     time.Duration `koanf:"success_ttl" default:"24h" validate:"min=60000000000"`            // >= 1min
	FailureTTL     time.Duration `koanf:"failure_ttl" default:"1h" validate:"min=60000000000"`             // >= 1min
}

type RatingConfig struct {
	KFactor       int `koanf:"k_factor" default:"32" validate:"min=1,max=128"`
	InitialRating int `koanf:"initial_rating" default:"1500" validate:"min=0,max=10000"`
	MaxRating     int `koanf:"max_rating" default:"10000" validate:"min=100,max=100000"`
}

type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries" default:"3" validate:"min=0,max=10"`
	InitialDelay time.Duration `koanf:"initial_delay" default:"100ms" validate:"min=1000000,max=10000000000"` // 1ms to 10s
	Multiplier   float64       `koanf:"multiplier" default:"2" validate:"min=1,max=10"`
	Jitter       bool          `koanf:"jitter"`
}

type TopicsConfig struct {
	Enabled bool `koanf:"enabled" default:"true"`
}

type UndoConfig struct {
	Window time.Duration `koanf:"window" default:"24h" validate:"min=60000000000,max=2160000000000"` // 1min to 25 days
}

type BackupConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval" default:"24h" validate:"min=600000000000"`   // >= 10min
	Retention time.Duration `koanf:"retention" default:"168h" validate:"min=3600000000000"` // >= 1h
	Dir       string        `koanf:"dir" default:"/var/lib/school-tt-bot/backups" validate:"required,max=255"`
	PgDump    string        `koanf:"pg_dump" default:"pg_dump" validate:"required,max=255"`
}

type HealthConfig struct {
	PingTimeout         time.Duration `koanf:"ping_timeout" default:"1s" validate:"min=100000000,max=3000000000"`        // 100ms to 3s
	ShallowInterval     time.Duration `koanf:"shallow_interval" default:"10s" validate:"min=5000000000,max=60000000000"` // 5s to 60s
	DeepInterval        time.Duration `koanf:"deep_interval" default:"1m" validate:"min=30000000000,max=300000000000"`   // 30s to 5min
	DeepEveryNthShallow int8          `koanf:"deep_every_nth_shallow" default:"5" validate:"gte=1,lte=10"`
}

type Config struct {
	Application ApplicationConfig `koanf:"application" validate:"required"`
	Logging     LoggingConfig     `koanf:"logging" validate:"required"`
	Bot         BotConfig         `koanf:"bot" validate:"required"`
	Database    DatabaseConfig    `koanf:"database" validate:"required"`
	School      SchoolConfig      `koanf:"school" validate:"required"`
	Rating      RatingConfig      `koanf:"rating" validate:"required"`
	Retry       RetryConfig       `koanf:"retry" validate:"required"`
	Topics      TopicsConfig      `koanf:"topics"`
	Undo        UndoConfig        `koanf:"undo"`
	Backup      BackupConfig      `koanf:"backup"`
	Health      HealthConfig      `koanf:"health"`
}
