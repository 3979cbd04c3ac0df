// Package config loads the service's YAML configuration and supports
// hot-reloading a subset of tunables (backpressure thresholds, sequence
// buffer policy, rule-set version) via fsnotify.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// duration accepts "30s"-style YAML scalars (and plain integers, read as
// nanoseconds) for time.Duration fields. yaml.v3 cannot decode a duration
// string into time.Duration directly, so every config struct with duration
// fields decodes through a shadow struct using this type.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// ServerConfig controls the REST listener.
type ServerConfig struct {
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// RedisConfig controls the distributed cache and lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig controls the durable store connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"-"`
}

func (c *DatabaseConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		DSN             string   `yaml:"dsn"`
		MaxOpenConns    int      `yaml:"max_open_conns"`
		MaxIdleConns    int      `yaml:"max_idle_conns"`
		ConnMaxLifetime duration `yaml:"conn_max_lifetime"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.DSN = raw.DSN
	c.MaxOpenConns = raw.MaxOpenConns
	c.MaxIdleConns = raw.MaxIdleConns
	c.ConnMaxLifetime = time.Duration(raw.ConnMaxLifetime)
	return nil
}

// QueueConfig controls the message-queue ingress adapter.
type QueueConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
	TopicPrefix   string   `yaml:"topic_prefix"`
}

// LockConfig controls partition-lock acquisition behavior.
type LockConfig struct {
	HoldTTL           time.Duration `yaml:"-"`
	WaitTimeout       time.Duration `yaml:"-"`
	InitialBackoff    time.Duration `yaml:"-"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"-"`
}

func (c *LockConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		HoldTTL           duration `yaml:"hold_ttl"`
		WaitTimeout       duration `yaml:"wait_timeout"`
		InitialBackoff    duration `yaml:"initial_backoff"`
		BackoffMultiplier float64  `yaml:"backoff_multiplier"`
		MaxBackoff        duration `yaml:"max_backoff"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.HoldTTL = time.Duration(raw.HoldTTL)
	c.WaitTimeout = time.Duration(raw.WaitTimeout)
	c.InitialBackoff = time.Duration(raw.InitialBackoff)
	c.BackoffMultiplier = raw.BackoffMultiplier
	c.MaxBackoff = time.Duration(raw.MaxBackoff)
	return nil
}

// IdempotencyConfig controls the deduplication window.
type IdempotencyConfig struct {
	Window time.Duration `yaml:"-"`
}

func (c *IdempotencyConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Window duration `yaml:"window"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Window = time.Duration(raw.Window)
	return nil
}

// SequenceBufferPolicy selects how the sequence buffer resolves a gap that
// outlives its hold deadline.
type SequenceBufferPolicy string

const (
	// PolicyReleaseWithWarning releases the held entry after the deadline
	// and emits a GAP warning.
	PolicyReleaseWithWarning SequenceBufferPolicy = "release_with_warning"
	// PolicyStaleGap surfaces the entry as a STALE_GAP instead of delivering it.
	PolicyStaleGap SequenceBufferPolicy = "stale_gap"
)

// SequenceConfig controls the per-partition reorder buffer.
type SequenceConfig struct {
	HoldDeadline time.Duration        `yaml:"-"`
	GapPolicy    SequenceBufferPolicy `yaml:"gap_policy"`
}

func (c *SequenceConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		HoldDeadline duration             `yaml:"hold_deadline"`
		GapPolicy    SequenceBufferPolicy `yaml:"gap_policy"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.HoldDeadline = time.Duration(raw.HoldDeadline)
	c.GapPolicy = raw.GapPolicy
	return nil
}

// BackpressureConfig controls the admission gauges.
type BackpressureConfig struct {
	MaxInFlightRequests int     `yaml:"max_in_flight_requests"`
	HighWaterMark       float64 `yaml:"high_water_mark"`
	MaxConsumerLag      int64   `yaml:"max_consumer_lag"`
	MaxProcessingQueue  int     `yaml:"max_processing_queue_size"`
	RetryAfterSeconds   int     `yaml:"retry_after_seconds"`
}

// WebhookConfig controls terminal-job callback delivery.
type WebhookConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffPerTry  time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	OAuth          OAuthConfig   `yaml:"oauth"`
}

func (c *WebhookConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MaxAttempts    int         `yaml:"max_attempts"`
		BackoffPerTry  duration    `yaml:"backoff_per_try"`
		RequestTimeout duration    `yaml:"request_timeout"`
		WorkerPoolSize int         `yaml:"worker_pool_size"`
		OAuth          OAuthConfig `yaml:"oauth"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.MaxAttempts = raw.MaxAttempts
	c.BackoffPerTry = time.Duration(raw.BackoffPerTry)
	c.RequestTimeout = time.Duration(raw.RequestTimeout)
	c.WorkerPoolSize = raw.WorkerPoolSize
	c.OAuth = raw.OAuth
	return nil
}

// OAuthConfig controls an optional OAuth2 client-credentials bearer token
// attached to webhook deliveries, for callback URLs that require one.
type OAuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// DispatcherConfig controls the partition worker pool.
type DispatcherConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size"`
	QueueDepth     int `yaml:"queue_depth"`
}

// UploadConfig controls the file-upload ingress path.
type UploadConfig struct {
	MaxTrades int `yaml:"max_trades"`
}

// PublishConfig controls the downstream fan-out after a commit: an HTTP
// push to a downstream ingestion endpoint and/or a Postgres LISTEN/NOTIFY
// channel for same-cluster subscribers. Either sink is disabled by leaving
// its address empty.
type PublishConfig struct {
	HTTPURL       string        `yaml:"http_url"`
	HTTPTimeout   time.Duration `yaml:"-"`
	NotifyChannel string        `yaml:"notify_channel"`
}

func (c *PublishConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		HTTPURL       string   `yaml:"http_url"`
		HTTPTimeout   duration `yaml:"http_timeout"`
		NotifyChannel string   `yaml:"notify_channel"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.HTTPURL = raw.HTTPURL
	c.HTTPTimeout = time.Duration(raw.HTTPTimeout)
	c.NotifyChannel = raw.NotifyChannel
	return nil
}

// NotifyConfig controls the auxiliary Slack ops-notification channel.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// LoggingConfig controls log verbosity/format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete, loaded service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	Database     DatabaseConfig     `yaml:"database"`
	Queue        QueueConfig        `yaml:"queue"`
	Lock         LockConfig         `yaml:"lock"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Sequence     SequenceConfig     `yaml:"sequence"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Upload       UploadConfig       `yaml:"upload"`
	Publish      PublishConfig      `yaml:"publish"`
	Notify       NotifyConfig       `yaml:"notify"`
	Logging      LoggingConfig      `yaml:"logging"`
}

func applyDefaults(c *Config) {
	if c.Server.HTTPPort == "" {
		c.Server.HTTPPort = "8080"
	}
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = "9090"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Lock.HoldTTL == 0 {
		c.Lock.HoldTTL = 5 * time.Minute
	}
	if c.Lock.WaitTimeout == 0 {
		c.Lock.WaitTimeout = 30 * time.Second
	}
	if c.Lock.InitialBackoff == 0 {
		c.Lock.InitialBackoff = 50 * time.Millisecond
	}
	if c.Lock.BackoffMultiplier == 0 {
		c.Lock.BackoffMultiplier = 1.5
	}
	if c.Lock.MaxBackoff == 0 {
		c.Lock.MaxBackoff = 500 * time.Millisecond
	}
	if c.Idempotency.Window == 0 {
		c.Idempotency.Window = 24 * time.Hour
	}
	if c.Sequence.HoldDeadline == 0 {
		c.Sequence.HoldDeadline = 30 * time.Second
	}
	if c.Sequence.GapPolicy == "" {
		c.Sequence.GapPolicy = PolicyReleaseWithWarning
	}
	if c.Backpressure.MaxInFlightRequests == 0 {
		c.Backpressure.MaxInFlightRequests = 1000
	}
	if c.Backpressure.HighWaterMark == 0 {
		c.Backpressure.HighWaterMark = 0.8
	}
	if c.Backpressure.MaxConsumerLag == 0 {
		c.Backpressure.MaxConsumerLag = 10000
	}
	if c.Backpressure.MaxProcessingQueue == 0 {
		c.Backpressure.MaxProcessingQueue = 5000
	}
	if c.Backpressure.RetryAfterSeconds == 0 {
		c.Backpressure.RetryAfterSeconds = 5
	}
	if c.Webhook.MaxAttempts == 0 {
		c.Webhook.MaxAttempts = 3
	}
	if c.Webhook.BackoffPerTry == 0 {
		c.Webhook.BackoffPerTry = 1 * time.Second
	}
	if c.Webhook.RequestTimeout == 0 {
		c.Webhook.RequestTimeout = 30 * time.Second
	}
	if c.Webhook.WorkerPoolSize == 0 {
		c.Webhook.WorkerPoolSize = 10
	}
	if c.Dispatcher.WorkerPoolSize == 0 {
		c.Dispatcher.WorkerPoolSize = 20
	}
	if c.Dispatcher.QueueDepth == 0 {
		c.Dispatcher.QueueDepth = 256
	}
	if c.Upload.MaxTrades == 0 {
		c.Upload.MaxTrades = 5000
	}
	if c.Publish.HTTPTimeout == 0 {
		c.Publish.HTTPTimeout = 10 * time.Second
	}
	if c.Publish.NotifyChannel == "" {
		c.Publish.NotifyChannel = "trade_capture_events"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Load reads and parses the YAML config file at path, applying defaults for
// any omitted field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&c)
	return &c, nil
}

// Watcher hot-reloads a Config from disk whenever the underlying file
// changes, publishing each successfully parsed version to subscribers.
type Watcher struct {
	path     string
	logger   logr.Logger
	mu       sync.RWMutex
	current  *Config
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
}

// NewWatcher loads path once and starts watching it for subsequent changes.
func NewWatcher(path string, logger logr.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}
	w := &Watcher{path: path, logger: logger, current: cfg, watcher: fw}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked with each successfully reloaded config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Close stops the underlying file watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error(err, "config reload failed, keeping previous version", "path", w.path)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			callbacks := append([]func(*Config){}, w.onChange...)
			w.mu.Unlock()
			w.logger.Info("config reloaded", "path", w.path)
			for _, cb := range callbacks {
				cb(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "config watcher error")
		}
	}
}
