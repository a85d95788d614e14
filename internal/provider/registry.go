package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Registry error codes
const (
	ErrCodeConfiguration    = "CONFIGURATION"
	ErrCodeProviderNotFound = "PROVIDER_NOT_FOUND"
	ErrCodeProviderInvalid  = "PROVIDER_INVALID"
)

// RegistryError reports a registration or construction failure
type RegistryError struct {
	Code    string
	Key     string
	Message string
	Cause   error
}

func (e *RegistryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] provider %q: %s (%v)", e.Code, e.Key, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] provider %q: %s", e.Code, e.Key, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Cause
}

func newRegistryError(code, key, message string, cause error) *RegistryError {
	return &RegistryError{Code: code, Key: key, Message: message, Cause: cause}
}

// Registry holds provider descriptors and lazily built instances
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]Descriptor
	instances   map[string]Provider
	settings    map[string]Settings
	active      string
	httpClient  *http.Client
	logger      *slog.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithActive sets the provider used when Get is called with an empty key
func WithActive(key string) RegistryOption {
	return func(r *Registry) {
		r.active = key
	}
}

// WithSettings sets the per-provider configuration
func WithSettings(settings map[string]Settings) RegistryOption {
	return func(r *Registry) {
		for k, v := range settings {
			r.settings[k] = v
		}
	}
}

// WithHTTPClient sets the client passed to factories
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = client
	}
}

// WithLogger sets the logger passed to factories
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		descriptors: make(map[string]Descriptor),
		instances:   make(map[string]Provider),
		settings:    make(map[string]Settings),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry creates a registry with the bundled providers registered
func NewDefaultRegistry(opts ...RegistryOption) (*Registry, error) {
	r := NewRegistry(opts...)
	for key, d := range Builtin() {
		if err := r.Register(key, d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and stores a descriptor. Re-registering a key replaces the
// descriptor and evicts its cached instance.
func (r *Registry) Register(key string, d Descriptor) error {
	var missing []string
	if strings.TrimSpace(key) == "" {
		missing = append(missing, "key")
	}
	if d.Name == "" {
		missing = append(missing, "name")
	}
	if d.Factory == nil {
		missing = append(missing, "binding")
	}
	if len(d.ConfigFields) == 0 {
		missing = append(missing, "config_fields")
	}
	if d.RequiredFields == nil {
		missing = append(missing, "required_fields")
	}
	if len(d.Endpoints) == 0 {
		missing = append(missing, "endpoints")
	}
	if len(d.Features) == 0 {
		missing = append(missing, "features")
	}
	if d.Authentication == "" {
		missing = append(missing, "authentication")
	}
	if len(missing) > 0 {
		return newRegistryError(ErrCodeConfiguration, key, "missing descriptor fields: "+strings.Join(missing, ", "), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[key] = d
	delete(r.instances, key)
	return nil
}

// Unregister removes a provider and its cached instance
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.descriptors, key)
	delete(r.instances, key)
}

// SetSettings replaces the configuration of one provider and evicts its instance
func (r *Registry) SetSettings(key string, s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = s
	delete(r.instances, key)
}

// Active returns the active provider key
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive changes the active provider key
func (r *Registry) SetActive(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = key
}

// Keys returns the registered keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.descriptors))
	for k := range r.descriptors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is registered
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.descriptors[key]
	return ok
}

// Descriptor returns the descriptor of key
func (r *Registry) Descriptor(key string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[key]
	return d, ok
}

// MissingFields lists the required fields of key that resolve to empty values
func (r *Registry) MissingFields(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missingFieldsLocked(key)
}

func (r *Registry) missingFieldsLocked(key string) []string {
	d, ok := r.descriptors[key]
	if !ok {
		return nil
	}
	s := r.settings[key]
	var missing []string
	for _, f := range d.RequiredFields {
		if s.Get(f) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// IsConfigured reports whether every required field of key has a value
func (r *Registry) IsConfigured(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[key]; !ok {
		return false
	}
	return len(r.missingFieldsLocked(key)) == 0
}

// Get returns the cached instance of key, building it on first use.
// An empty key selects the active provider.
func (r *Registry) Get(key string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key == "" {
		key = r.active
	}
	if key == "" {
		return nil, newRegistryError(ErrCodeProviderNotFound, key, "no active provider configured", nil)
	}

	if p, ok := r.instances[key]; ok {
		return p, nil
	}

	d, ok := r.descriptors[key]
	if !ok {
		return nil, newRegistryError(ErrCodeProviderNotFound, key, "provider is not registered", nil)
	}
	if d.Factory == nil {
		return nil, newRegistryError(ErrCodeProviderInvalid, key, "provider has no binding", nil)
	}
	if missing := r.missingFieldsLocked(key); len(missing) > 0 {
		return nil, newRegistryError(ErrCodeConfiguration, key, "missing required settings: "+strings.Join(missing, ", "), nil)
	}

	p, err := d.Factory(Config{
		Key:        key,
		Settings:   r.settings[key],
		Endpoints:  d.Endpoints,
		HTTPClient: r.httpClient,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, newRegistryError(ErrCodeProviderInvalid, key, "construction failed", err)
	}
	if p == nil {
		return nil, newRegistryError(ErrCodeProviderInvalid, key, "factory returned no provider", nil)
	}

	r.instances[key] = p
	return p, nil
}
