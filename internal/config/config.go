// Package config is the engine's configuration surface: one YAML file,
// loaded and hot-reloaded through viper the way the teacher's bot config did,
// but reshaped into the price-discovery core's own options (§6 of the
// engine's design) instead of the teacher's wallet/trading/fee fields. A
// Manager owns the live Config and exposes one Build*Config per component,
// so the composition root never reads an undeclared field off the raw
// struct.
package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/berkode/priceengine/internal/fuser"
	"github.com/berkode/priceengine/internal/httpadapter"
	"github.com/berkode/priceengine/internal/oracle"
	"github.com/berkode/priceengine/internal/registry"
	"github.com/berkode/priceengine/internal/websocket"
)

// Config holds every option the price-discovery core reads, split into one
// struct per component per the "no component reads undeclared fields" design
// note; it is otherwise a plain mapstructure target for viper.
type Config struct {
	RPC       RPCConfig       `mapstructure:"rpc"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Price     PriceConfig     `mapstructure:"price"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// RPCConfig names the WebSocket endpoint tiers: `primary_rpc_ws_url` and
// `fallback_rpc_ws_urls` from the spec's configuration surface.
type RPCConfig struct {
	PrimaryWSURL       string   `mapstructure:"primary_ws_url"`
	PrimaryAPIKeyEnv   string   `mapstructure:"primary_api_key_env"`
	FallbackWSURLs     []string `mapstructure:"fallback_ws_urls"`
	FallbackAPIKeyEnv  string   `mapstructure:"fallback_api_key_env"`
}

// WebSocketConfig is `ws_ping_interval`/`ws_ping_timeout`/
// `ws_reconnect_initial_delay`/`ws_reconnect_max_delay`/
// `ws_resubscribe_timeout` from the spec's table.
type WebSocketConfig struct {
	ConnectTimeoutMs        int `mapstructure:"connect_timeout_ms"`
	PingIntervalMs          int `mapstructure:"ping_interval_ms"`
	PingTimeoutMs           int `mapstructure:"ping_timeout_ms"`
	ReconnectInitialDelayMs int `mapstructure:"reconnect_initial_delay_ms"`
	ReconnectMaxDelayMs     int `mapstructure:"reconnect_max_delay_ms"`
	ResubscribeTimeoutMs    int `mapstructure:"resubscribe_timeout_ms"`
	OutBufferSize           int `mapstructure:"out_buffer_size"`
}

// PriceConfig is `price_fresh_ttl`/`price_expire_ttl`/`min_stream_confidence`/
// `min_emit_interval` plus the Fuser's agreement tolerance.
type PriceConfig struct {
	FreshTTLSeconds      int     `mapstructure:"fresh_ttl_seconds"`
	ExpireTTLSeconds     int     `mapstructure:"expire_ttl_seconds"`
	MinStreamConfidence  float64 `mapstructure:"min_stream_confidence"`
	MinEmitIntervalMs    int     `mapstructure:"min_emit_interval_ms"`
	AgreementTolerance   float64 `mapstructure:"agreement_tolerance"`
	OracleMinHealth      float64 `mapstructure:"oracle_min_health"`
	OracleSkipDurationMs int     `mapstructure:"oracle_skip_duration_ms"`
	HealthEMAAlpha       float64 `mapstructure:"health_ema_alpha"`
}

// RegistryConfig is `max_high_priority` plus the demote-on-full policy.
type RegistryConfig struct {
	MaxHighPriority int  `mapstructure:"max_high_priority"`
	DemoteOnFull    bool `mapstructure:"demote_on_full"`
}

// HTTPConfig is `http_pool_size`/`http_rate_per_sec`/
// `cb_failure_threshold`/`cb_reset_interval`, shared by every HTTP Price
// Adapter's Infra; each adapter may still override CacheTTL/MaxConcurrent
// for its own call pattern.
type HTTPConfig struct {
	PoolSize               int     `mapstructure:"pool_size"`
	RatePerSec             float64 `mapstructure:"rate_per_sec"`
	MaxConcurrent          int     `mapstructure:"max_concurrent"`
	MaxRetries             int     `mapstructure:"max_retries"`
	TimeoutSeconds         int     `mapstructure:"timeout_seconds"`
	CBFailureThreshold     int     `mapstructure:"cb_failure_threshold"`
	CBResetIntervalSeconds int     `mapstructure:"cb_reset_interval_seconds"`
	CacheTTLSeconds        int     `mapstructure:"cache_ttl_seconds"`
}

// StorageConfig is the pool-metadata catalog's on-disk location.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Manager owns the live Config, hot-reloaded from disk the way the teacher's
// bot config watched its YAML file.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.primary_api_key_env", "PRIMARY_RPC_API_KEY")
	v.SetDefault("rpc.fallback_api_key_env", "FALLBACK_RPC_API_KEY")

	v.SetDefault("websocket.connect_timeout_ms", 10_000)
	v.SetDefault("websocket.ping_interval_ms", 30_000)
	v.SetDefault("websocket.ping_timeout_ms", 45_000)
	v.SetDefault("websocket.reconnect_initial_delay_ms", 1_000)
	v.SetDefault("websocket.reconnect_max_delay_ms", 60_000)
	v.SetDefault("websocket.resubscribe_timeout_ms", 10_000)
	v.SetDefault("websocket.out_buffer_size", 4096)

	v.SetDefault("price.fresh_ttl_seconds", 10)
	v.SetDefault("price.expire_ttl_seconds", 120)
	v.SetDefault("price.min_stream_confidence", 0.6)
	v.SetDefault("price.min_emit_interval_ms", 200)
	v.SetDefault("price.agreement_tolerance", 0.05)
	v.SetDefault("price.oracle_min_health", 0.5)
	v.SetDefault("price.oracle_skip_duration_ms", 30_000)
	v.SetDefault("price.health_ema_alpha", 0.3)

	v.SetDefault("registry.max_high_priority", 64)
	v.SetDefault("registry.demote_on_full", true)

	v.SetDefault("http.pool_size", 4)
	v.SetDefault("http.rate_per_sec", 5.0)
	v.SetDefault("http.max_concurrent", 8)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.timeout_seconds", 5)
	v.SetDefault("http.cb_failure_threshold", 5)
	v.SetDefault("http.cb_reset_interval_seconds", 30)
	v.SetDefault("http.cache_ttl_seconds", 10)

	v.SetDefault("storage.sqlite_path", "./data/priceengine.db")
}

// NewManager loads configPath, applies defaults for every option the caller
// left unset, and watches the file for changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{config: &cfg, viper: v}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback fired after every successful reload.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}
	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// injectAPIKey appends the given env var's value as a query parameter,
// using the `api-key` spelling for Helius-shaped URLs and `api_key`
// otherwise. A missing or empty env var leaves the URL untouched.
func injectAPIKey(rawURL, envVar string) string {
	if envVar == "" {
		return rawURL
	}
	key := os.Getenv(envVar)
	if key == "" {
		return rawURL
	}
	param := "api_key"
	if strings.Contains(rawURL, "helius") {
		param = "api-key"
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + param + "=" + key
}

// PrimaryWSURL returns the tier-1 WebSocket endpoint with its API key
// injected from the configured environment variable.
func (m *Manager) PrimaryWSURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectAPIKey(m.config.RPC.PrimaryWSURL, m.config.RPC.PrimaryAPIKeyEnv)
}

// FallbackWSURLs returns every configured fallback tier, each with its API
// key injected, in the order they are tried.
func (m *Manager) FallbackWSURLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.config.RPC.FallbackWSURLs))
	for i, u := range m.config.RPC.FallbackWSURLs {
		out[i] = injectAPIKey(u, m.config.RPC.FallbackAPIKeyEnv)
	}
	return out
}

// BuildWebSocketConfig translates the loaded config into the Multiplexer's
// own Config, endpoint tiers first.
func (m *Manager) BuildWebSocketConfig() websocket.Config {
	c := m.Get().WebSocket
	endpoints := append([]string{m.PrimaryWSURL()}, m.FallbackWSURLs()...)
	return websocket.Config{
		Endpoints:             endpoints,
		ConnectTimeout:        time.Duration(c.ConnectTimeoutMs) * time.Millisecond,
		PingInterval:          time.Duration(c.PingIntervalMs) * time.Millisecond,
		PingTimeout:           time.Duration(c.PingTimeoutMs) * time.Millisecond,
		ResubscribeTimeout:    time.Duration(c.ResubscribeTimeoutMs) * time.Millisecond,
		ReconnectInitialDelay: time.Duration(c.ReconnectInitialDelayMs) * time.Millisecond,
		ReconnectMaxDelay:     time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond,
		OutBufferSize:         c.OutBufferSize,
	}
}

// BuildFuserConfig translates into the Fuser's own Config.
func (m *Manager) BuildFuserConfig() fuser.Config {
	c := m.Get().Price
	return fuser.Config{
		AgreementTolerance: c.AgreementTolerance,
		MinEmitInterval:    time.Duration(c.MinEmitIntervalMs) * time.Millisecond,
	}
}

// BuildOracleConfig translates into the Orchestrator's own Config.
func (m *Manager) BuildOracleConfig() oracle.Config {
	c := m.Get().Price
	return oracle.Config{
		MinStreamConfidence: c.MinStreamConfidence,
		MinHealth:           c.OracleMinHealth,
		SkipDuration:        time.Duration(c.OracleSkipDurationMs) * time.Millisecond,
		HealthEMAAlpha:      c.HealthEMAAlpha,
	}
}

// BuildRegistryConfig translates into the Registry's own Config.
func (m *Manager) BuildRegistryConfig() registry.Config {
	c := m.Get().Registry
	return registry.Config{MaxHighPriority: c.MaxHighPriority, DemoteOnFull: c.DemoteOnFull}
}

// BuildHTTPAdapterConfig translates into the baseline httpadapter.Config
// every HTTP Price Adapter starts from; adapters that need a longer cache
// TTL or tighter concurrency (e.g. the long-TTL SOL/USD reference) override
// specific fields on the returned value.
func (m *Manager) BuildHTTPAdapterConfig() httpadapter.Config {
	c := m.Get().HTTP
	return httpadapter.Config{
		PoolSize:           c.PoolSize,
		Timeout:            time.Duration(c.TimeoutSeconds) * time.Second,
		RatePerSec:         c.RatePerSec,
		MaxConcurrent:      c.MaxConcurrent,
		MaxRetries:         c.MaxRetries,
		CBFailureThreshold: c.CBFailureThreshold,
		CBResetInterval:    time.Duration(c.CBResetIntervalSeconds) * time.Second,
		CacheTTL:           time.Duration(c.CacheTTLSeconds) * time.Second,
	}
}

// PriceFreshTTL and PriceExpireTTL are the Freshness window every consumer
// may apply to a TokenPrice per the spec's staleness rules.
func (m *Manager) PriceFreshTTL() time.Duration {
	return time.Duration(m.Get().Price.FreshTTLSeconds) * time.Second
}

func (m *Manager) PriceExpireTTL() time.Duration {
	return time.Duration(m.Get().Price.ExpireTTLSeconds) * time.Second
}

// SQLitePath is the pool-metadata catalog's on-disk location.
func (m *Manager) SQLitePath() string {
	return m.Get().Storage.SQLitePath
}
