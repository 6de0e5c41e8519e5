package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/plantsync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for plantsync.
type Config struct {
	// Base URL of the remote authority's HTTP API.
	RemoteURL string `env:"PLANTSYNC_REMOTE_URL"`

	// WebSocket URL for live chat delivery. Derived from RemoteURL
	// (http -> ws, https -> wss, path /chat-messages/stream) when empty.
	ChatWSURL string `env:"PLANTSYNC_CHAT_WS_URL"`

	// Username of the person using this client. Plants are created with
	// this owner, and offline chat is only allowed on their plants.
	User string `env:"PLANTSYNC_USER"`

	// Path of the local state database. Defaults to ~/.plantsync/state.db.
	StatePath string `env:"PLANTSYNC_STATE_PATH"`

	// Optional drop directory for offline drafts written by a UI process.
	InboxDir string `env:"PLANTSYNC_INBOX_DIR"`

	ConnectivityCacheTTL     time.Duration `env:"CONNECTIVITY_CACHE_TTL" envDefault:"60s"`
	ConnectivityProbeTimeout time.Duration `env:"CONNECTIVITY_PROBE_TIMEOUT" envDefault:"3s"`
	ConnectivityPollInterval time.Duration `env:"CONNECTIVITY_POLL_INTERVAL" envDefault:"30s"`

	SyncMinInterval       time.Duration `env:"SYNC_MIN_INTERVAL" envDefault:"10s"`
	SyncInterval          time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	SyncReconnectDebounce time.Duration `env:"SYNC_RECONNECT_DEBOUNCE" envDefault:"1s"`
	SyncUploadTimeout     time.Duration `env:"SYNC_UPLOAD_TIMEOUT" envDefault:"30s"`

	// How long plant listings are fetched incrementally with a since
	// cursor before the whole list is fetched again.
	SyncFullRefresh time.Duration `env:"SYNC_FULL_REFRESH" envDefault:"15m"`

	// Plants whose chat rooms the live feed subscribes to.
	ChatPlantIDs []string `env:"CHAT_PLANT_IDS" envSeparator:","`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default level when set.
	LogLevel string `env:"LOG_LEVEL"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAuthUsers  string `env:"MCP_AUTH_USERS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.RemoteURL = strings.TrimRight(strings.TrimSpace(cfg.RemoteURL), "/")
	cfg.User = strings.TrimSpace(cfg.User)
	cfg.ChatPlantIDs = trimAll(cfg.ChatPlantIDs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.ChatWSURL == "" {
		wsURL, err := DeriveChatWSURL(cfg.RemoteURL)
		if err != nil {
			return nil, err
		}

		cfg.ChatWSURL = wsURL
	}

	// Resolve paths once so later relative-path surprises cannot happen
	// after a working directory change.
	for _, p := range []*string{&cfg.StatePath, &cfg.InboxDir} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("PLANTSYNC_REMOTE_URL is required")
	}

	u, err := url.Parse(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PLANTSYNC_REMOTE_URL must be an http(s) URL, got %q", c.RemoteURL)
	}

	if c.User == "" {
		return fmt.Errorf("PLANTSYNC_USER is required")
	}

	durations := []struct {
		name string
		val  time.Duration
	}{
		{"CONNECTIVITY_CACHE_TTL", c.ConnectivityCacheTTL},
		{"CONNECTIVITY_PROBE_TIMEOUT", c.ConnectivityProbeTimeout},
		{"CONNECTIVITY_POLL_INTERVAL", c.ConnectivityPollInterval},
		{"SYNC_INTERVAL", c.SyncInterval},
		{"SYNC_UPLOAD_TIMEOUT", c.SyncUploadTimeout},
	}

	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.val)
		}
	}

	// Zero disables the throttle and the debounce; negative is a typo.
	if c.SyncMinInterval < 0 {
		return fmt.Errorf("SYNC_MIN_INTERVAL must not be negative, got %s", c.SyncMinInterval)
	}

	if c.SyncReconnectDebounce < 0 {
		return fmt.Errorf("SYNC_RECONNECT_DEBOUNCE must not be negative, got %s", c.SyncReconnectDebounce)
	}

	if c.SyncFullRefresh < 0 {
		return fmt.Errorf("SYNC_FULL_REFRESH must not be negative, got %s", c.SyncFullRefresh)
	}

	if c.EnableMCP && c.MCPAuthUsers == "" {
		return fmt.Errorf("MCP_AUTH_USERS is required when MCP is enabled")
	}

	return nil
}

// DeriveChatWSURL maps the remote authority's base URL to its chat
// stream endpoint.
func DeriveChatWSURL(remoteURL string) (string, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return "", fmt.Errorf("parsing remote URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported remote URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/chat-messages/stream"

	return u.String(), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPUsers parses the MCP_AUTH_USERS string into a UserCredentials map.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2". Hashes come from the
// hash-password command.
func (c *Config) ParseMCPUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.MCPAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.MCPAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if !auth.IsBcryptHash(hash) {
			return nil, fmt.Errorf("entry %d for %q is not a bcrypt hash; generate one with hash-password", len(users)+1, username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in MCP_AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}

func trimAll(in []string) []string {
	var out []string

	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}
