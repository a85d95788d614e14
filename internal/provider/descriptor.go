package provider

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rezonia/peppol-connector/internal/model"
)

// AuthKind is the authentication scheme a provider uses
type AuthKind string

const (
	AuthOAuth2 AuthKind = "oauth2"
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "api_key"
)

// Feature names advertised by descriptors
const (
	FeatureSend              = "send"
	FeatureReceive           = "receive"
	FeatureDeliveryStatus    = "delivery_status"
	FeatureLegalEntities     = "legal_entities"
	FeatureUBLRetrieval      = "ubl_retrieval"
	FeatureDocumentResponses = "document_responses"
	FeaturePolling           = "notification_polling"
)

// Environments
const (
	EnvSandbox = "sandbox"
	EnvLive    = "live"
)

// Common setting keys
const (
	SettingEnvironment   = "environment"
	SettingBaseURL       = "base_url"
	SettingTimeout       = "timeout"
	SettingWebhookSecret = "webhook_secret"
)

// DefaultTimeout bounds every vendor call when no timeout is configured
const DefaultTimeout = 30 * time.Second

// WebhookDescriptor documents how a provider delivers webhooks
type WebhookDescriptor struct {
	ContentType     string
	SignatureHeader string
}

// Factory constructs a provider from resolved configuration
type Factory func(cfg Config) (Provider, error)

// Descriptor is the static registration record of a provider
type Descriptor struct {
	Name           string
	Factory        Factory
	ConfigFields   []string
	RequiredFields []string
	Endpoints      map[string]string
	Features       []string
	DocumentTypes  []model.DocumentType
	Webhook        WebhookDescriptor
	Authentication AuthKind
}

// HasFeature reports whether the descriptor advertises a feature
func (d Descriptor) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Settings are the configured values of one provider
type Settings map[string]string

// Get returns a trimmed setting value
func (s Settings) Get(key string) string {
	return strings.TrimSpace(s[key])
}

// Config is what a Factory receives
type Config struct {
	Key        string
	Settings   Settings
	Endpoints  map[string]string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Environment returns the configured environment, sandbox by default
func (c Config) Environment() string {
	if env := c.Settings.Get(SettingEnvironment); env != "" {
		return env
	}
	return EnvSandbox
}

// BaseURL returns the explicit base_url setting or the endpoint of the environment
func (c Config) BaseURL(environment string) string {
	if u := c.Settings.Get(SettingBaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	if environment == "" {
		environment = c.Environment()
	}
	return strings.TrimRight(c.Endpoints[environment], "/")
}

// Timeout returns the per-call timeout. Plain integers are seconds.
func (c Config) Timeout() time.Duration {
	raw := c.Settings.Get(SettingTimeout)
	if raw == "" {
		return DefaultTimeout
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return DefaultTimeout
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger.With("provider", c.Key)
	}
	return slog.Default().With("provider", c.Key)
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		client := *c.HTTPClient
		if client.Timeout == 0 {
			client.Timeout = c.Timeout()
		}
		return &client
	}
	return &http.Client{Timeout: c.Timeout()}
}

// Builtin returns the descriptors of the bundled providers keyed by registry key
func Builtin() map[string]Descriptor {
	return map[string]Descriptor{
		AdemicoKey:   AdemicoDescriptor(),
		Unit4Key:     Unit4Descriptor(),
		RecommandKey: RecommandDescriptor(),
	}
}

// keyOr returns the registry key a provider was built under, or fallback when
// it was constructed directly
func keyOr(key, fallback string) string {
	if key == "" {
		return fallback
	}
	return key
}
