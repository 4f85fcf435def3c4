package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/google"
)

// ErrMissing marks a configuration value that an operation needs but that is not set
var ErrMissing = errors.New("missing configuration")

type Config struct {
	AppKey       string
	DatabasePath string
	NATSURL      string
	LogLevel     string

	HTTPAddr    string
	HTTPTimeout time.Duration
	JWKSURL     string
	JWTIssuer   string
	JWTAudience string

	// AuthServerURL is the identity service that completes OAuth consent and holds the fresh grant
	AuthServerURL string

	Google OAuthClient
	Azure  AzureConfig

	Sync          SyncConfig
	Queue         QueueConfig
	Subscriptions SubscriptionConfig
}

// OAuthClient holds one provider's OAuth client credentials and endpoints
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIURL       string
}

// AzureConfig extends OAuthClient with Microsoft specifics
type AzureConfig struct {
	OAuthClient
	Tenant          string
	NotificationURL string
}

type SyncConfig struct {
	Interval    time.Duration
	Window      time.Duration
	Concurrency int
}

type QueueConfig struct {
	MaxAttempts int
	TaskTimeout time.Duration
	Workers     int
	Backoff     time.Duration
}

type SubscriptionConfig struct {
	Lifetime       time.Duration
	RenewExtension time.Duration
	RenewBefore    time.Duration
	RenewInterval  time.Duration
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "data/mailsync.db")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("google.token_url", google.Endpoint.TokenURL)
	v.SetDefault("azure.tenant", "common")
	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.window", 7*24*time.Hour)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.task_timeout", 60*time.Second)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.backoff", 10*time.Second)
	v.SetDefault("subscriptions.lifetime", 48*time.Hour)
	v.SetDefault("subscriptions.renew_extension", 72*time.Hour)
	v.SetDefault("subscriptions.renew_before", 24*time.Hour)
	v.SetDefault("subscriptions.renew_interval", time.Hour)
}

// Load reads configuration from .env, environment variables, an optional
// config file and any flags already bound to v
func Load(v *viper.Viper) (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	appKey := v.GetString("app.key")
	if appKey == "" {
		return nil, fmt.Errorf("APP_KEY is required")
	}

	tenant := v.GetString("azure.tenant")
	azureTokenURL := v.GetString("azure.token_url")
	if azureTokenURL == "" {
		azureTokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
	}

	return &Config{
		AppKey:        appKey,
		DatabasePath:  v.GetString("database.path"),
		NATSURL:       v.GetString("nats.url"),
		LogLevel:      v.GetString("log.level"),
		HTTPAddr:      v.GetString("http.addr"),
		HTTPTimeout:   v.GetDuration("http.timeout"),
		JWKSURL:       v.GetString("auth.jwks_url"),
		JWTIssuer:     v.GetString("auth.issuer"),
		JWTAudience:   v.GetString("auth.audience"),
		AuthServerURL: v.GetString("auth.server_url"),
		Google: OAuthClient{
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
			TokenURL:     v.GetString("google.token_url"),
			APIURL:       v.GetString("google.api_url"),
		},
		Azure: AzureConfig{
			OAuthClient: OAuthClient{
				ClientID:     v.GetString("azure.client_id"),
				ClientSecret: v.GetString("azure.client_secret"),
				TokenURL:     azureTokenURL,
				APIURL:       v.GetString("azure.graph_url"),
			},
			Tenant:          tenant,
			NotificationURL: v.GetString("azure.notification_url"),
		},
		Sync: SyncConfig{
			Interval:    v.GetDuration("sync.interval"),
			Window:      v.GetDuration("sync.window"),
			Concurrency: v.GetInt("sync.concurrency"),
		},
		Queue: QueueConfig{
			MaxAttempts: v.GetInt("queue.max_attempts"),
			TaskTimeout: v.GetDuration("queue.task_timeout"),
			Workers:     v.GetInt("queue.workers"),
			Backoff:     v.GetDuration("queue.backoff"),
		},
		Subscriptions: SubscriptionConfig{
			Lifetime:       v.GetDuration("subscriptions.lifetime"),
			RenewExtension: v.GetDuration("subscriptions.renew_extension"),
			RenewBefore:    v.GetDuration("subscriptions.renew_before"),
			RenewInterval:  v.GetDuration("subscriptions.renew_interval"),
		},
	}, nil
}

// Require returns ErrMissing naming key when value is empty
func Require(key, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return nil
}
