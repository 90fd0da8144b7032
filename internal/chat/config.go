package chat

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds the endpoint configuration of spec.md §3, immutable after
// construction. Mirrors the teacher's ClientConfig/applyDefaults shape
// (sdk/go/client.go) but validates instead of silently coercing, since §7
// requires ConfigInvalid at construction rather than a later surprise.
type Config struct {
	Nickname string

	ListenPort       int
	ReadBufferBytes  int
	HeartbeatInterval time.Duration

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	EncryptionEnabled bool

	MaxFileBytes     int64
	DownloadDirectory string
	AutoOpenMedia    bool
	MediaExtensions  map[string]struct{}

	LogLevel    string
	SaveHistory bool
}

// defaults per spec.md §3.
const (
	defaultListenPort         = 8080
	defaultReadBufferBytes    = 8192
	defaultHeartbeatInterval  = 30 * time.Second
	defaultReconnectAttempts  = 5
	defaultReconnectDelay     = 500 * time.Millisecond
	defaultMaxFileBytes       = 100 << 20 // 100 MiB
)

// Option configures a Config. Zero-valued fields left unset by the caller
// are filled in by NewConfig with the documented defaults.
type Option func(*Config)

func WithNickname(name string) Option { return func(c *Config) { c.Nickname = name } }

func WithListenPort(port int) Option { return func(c *Config) { c.ListenPort = port } }

func WithReadBufferBytes(n int) Option { return func(c *Config) { c.ReadBufferBytes = n } }

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithReconnect(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		c.ReconnectAttempts = attempts
		c.ReconnectDelay = delay
	}
}

func WithEncryptionEnabled(enabled bool) Option {
	return func(c *Config) { c.EncryptionEnabled = enabled }
}

func WithMaxFileBytes(n int64) Option { return func(c *Config) { c.MaxFileBytes = n } }

func WithDownloadDirectory(dir string) Option {
	return func(c *Config) { c.DownloadDirectory = dir }
}

func WithAutoOpenMedia(enabled bool) Option {
	return func(c *Config) { c.AutoOpenMedia = enabled }
}

func WithMediaExtensions(exts []string) Option {
	return func(c *Config) {
		set := make(map[string]struct{}, len(exts))
		for _, e := range exts {
			set[e] = struct{}{}
		}
		c.MediaExtensions = set
	}
}

func WithLogLevel(level string) Option { return func(c *Config) { c.LogLevel = level } }

func WithSaveHistory(enabled bool) Option { return func(c *Config) { c.SaveHistory = enabled } }

// unset is a marker used to tell "caller didn't touch this field" apart from
// "caller explicitly set the zero value," for the handful of fields whose
// zero value is itself meaningful (ListenPort 0 means "any free port" at the
// net.Listen layer, so an explicit 0 is kept; only a field still holding the
// marker receives the documented default).
const unsetInt = -1

// NewConfig builds a validated Config, applying defaults to every option the
// caller did not set. Returns ConfigInvalid for out-of-range values.
func NewConfig(opts ...Option) (Config, error) {
	c := Config{
		ListenPort:        unsetInt,
		ReadBufferBytes:   unsetInt,
		ReconnectAttempts: unsetInt,
		MaxFileBytes:      -1,
		EncryptionEnabled: true,
		MediaExtensions:   nil,
	}
	for _, opt := range opts {
		opt(&c)
	}

	if c.ListenPort == unsetInt {
		c.ListenPort = defaultListenPort
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return Config{}, &ConfigInvalid{Field: "listen_port", Reason: "must be in [0, 65535]"}
	}

	if c.ReadBufferBytes == unsetInt {
		c.ReadBufferBytes = defaultReadBufferBytes
	}
	if c.ReadBufferBytes <= 0 {
		return Config{}, &ConfigInvalid{Field: "read_buffer_bytes", Reason: "must be positive"}
	}

	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatInterval < 0 {
		return Config{}, &ConfigInvalid{Field: "heartbeat_interval", Reason: "must not be negative"}
	}

	if c.ReconnectAttempts == unsetInt {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.ReconnectAttempts < 0 {
		return Config{}, &ConfigInvalid{Field: "reconnect_attempts", Reason: "must not be negative"}
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectDelay < 0 {
		return Config{}, &ConfigInvalid{Field: "reconnect_delay", Reason: "must not be negative"}
	}

	if c.MaxFileBytes == -1 {
		c.MaxFileBytes = defaultMaxFileBytes
	}
	if c.MaxFileBytes <= 0 {
		return Config{}, &ConfigInvalid{Field: "max_file_bytes", Reason: "must be positive"}
	}

	if c.DownloadDirectory == "" {
		dir, err := defaultDownloadDirectory()
		if err != nil {
			return Config{}, &ConfigInvalid{Field: "download_directory", Reason: err.Error()}
		}
		c.DownloadDirectory = dir
	}

	if c.MediaExtensions == nil {
		c.MediaExtensions = defaultMediaExtensions()
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return c, nil
}

func defaultDownloadDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Downloads"), nil
}

func defaultMediaExtensions() map[string]struct{} {
	exts := []string{".png", ".jpg", ".jpeg", ".gif", ".mp4", ".mp3", ".webm", ".pdf"}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[e] = struct{}{}
	}
	return set
}
