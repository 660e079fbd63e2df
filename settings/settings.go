// Package settings holds the local daemon settings every clusterapplyd
// instance needs to start up — workdir, listen address, peer RPC
// timeouts, log level — distinct from the clusterwide configuration
// document this whole module applies. It is deliberately small: the
// clusterwide document is the real state; this is bootstrap plumbing.
//
// Grounded on config/loader.go: viper reads and watches a file,
// fsnotify-driven hot reload re-unmarshals and re-validates under a
// mutex, and go-playground/validator enforces struct-tag constraints
// the way config/validator.go enforces its own by hand — here declared
// declaratively via struct tags instead, since the settings shape is
// fixed (unlike the clusterwide document).
package settings

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Settings is the local daemon configuration, loaded once at startup and
// optionally hot-reloaded.
type Settings struct {
	InstanceUUID string `mapstructure:"instance_uuid" validate:"required,uuid"`
	Workdir      string `mapstructure:"workdir" validate:"required"`
	ListenAddr   string `mapstructure:"listen_addr" validate:"required"`
	SelfURI      string `mapstructure:"self_uri" validate:"required"`
	LogLevel     string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	PeerTimeout     time.Duration `mapstructure:"peer_timeout" validate:"required"`
	RedisURI        string        `mapstructure:"redis_uri"`
	MaintenanceCron string        `mapstructure:"maintenance_cron" validate:"required"`

	RateLimit struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
		Burst             int     `mapstructure:"burst" validate:"gte=0"`
	} `mapstructure:"rate_limit"`
}

var validate = validator.New()

// Loader reads Settings from a file and watches it for changes.
type Loader struct {
	mu       sync.RWMutex
	current  Settings
	v        *viper.Viper
	logger   *zap.Logger
	onChange func(Settings)
}

// NewLoader reads settings from path and begins watching it for
// subsequent changes.
func NewLoader(path string, logger *zap.Logger) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	l := &Loader{current: s, v: v, logger: logger}
	v.WatchConfig()
	v.OnConfigChange(l.onFileChange)
	return l, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("peer_timeout", 5*time.Second)
	v.SetDefault("maintenance_cron", "*/30 * * * * *")
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)
}

// OnChange registers a callback invoked, with the lock held released,
// every time a hot reload succeeds. Only one callback is supported; a
// second call replaces the first.
func (l *Loader) OnChange(fn func(Settings)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

func (l *Loader) onFileChange(e fsnotify.Event) {
	l.logger.Info("settings file changed, reloading", zap.String("event", e.String()))

	var s Settings
	if err := l.v.Unmarshal(&s); err != nil {
		l.logger.Error("failed to unmarshal reloaded settings, keeping previous", zap.Error(err))
		return
	}
	if err := validate.Struct(&s); err != nil {
		l.logger.Error("reloaded settings failed validation, keeping previous", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.current = s
	cb := l.onChange
	l.mu.Unlock()

	l.logger.Info("settings reloaded", zap.String("log_level", s.LogLevel))
	if cb != nil {
		cb(s)
	}
}

// Get returns the currently active settings.
func (l *Loader) Get() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}
