package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	keychainService = "paperdesk"
	keychainAccount = "auth_token"
	envFileVar      = "PAPERDESK_ENV_FILE"
)

type Config struct {
	Server    ServerConfig    `key:"server"`
	Assistant AssistantConfig `key:"assistant"`
	Storage   StorageConfig   `key:"storage"`
	Log       LogConfig       `key:"log"`
	Auth      AuthConfig      `key:"auth"`
}

type ServerConfig struct {
	BaseURL    string `key:"base_url" validate:"required,url"`
	WSURL      string `key:"ws_url" validate:"omitempty,url"`
	ProjectID  string `key:"project_id" validate:"required"`
	ListenPort int    `key:"listen_port" validate:"min=1,max=65535"`
}

// EventsURL returns the websocket URL of the project's event feed. Without
// an explicit ws_url it is derived from the base URL.
func (s ServerConfig) EventsURL() string {
	base := s.WSURL
	if base == "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			return ""
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		base = u.String()
	}
	return strings.TrimRight(base, "/") + "/projects/" + url.PathEscape(s.ProjectID) + "/events"
}

type AssistantConfig struct {
	PollInterval   time.Duration `key:"poll_interval" validate:"min=0"`
	ThrottleWindow time.Duration `key:"throttle_window" validate:"min=0,max=1s"`
}

type StorageConfig struct {
	DataDir string `key:"data_dir" validate:"required"`
}

type LogConfig struct {
	Level string `key:"level" validate:"oneof=debug info warn error"`
	File  string `key:"file"`
}

type AuthConfig struct {
	Token string `key:"token"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:    "http://localhost:8080/api",
			ListenPort: 4100,
		},
		Assistant: AssistantConfig{
			PollInterval:   15 * time.Second,
			ThrottleWindow: 30 * time.Millisecond,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file,
// environment variables and the platform secret store, then validates it.
//
// On macOS the backend is UserDefaults (domain: com.paperdesk.app) and the
// token falls back to the Keychain. Elsewhere the backend is a JSON file at
// $XDG_CONFIG_HOME/paperdesk/config.json and the token falls back to
// $XDG_DATA_HOME/paperdesk/secrets.json.
//
// PAPERDESK_* environment variables override backend values; a .env file in
// the working directory (or at $PAPERDESK_ENV_FILE) supplies variables that
// are not set in the process environment.
func Load() (Config, error) {
	cfg, err := LoadUnvalidated()
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated assembles the configuration without validating it.
func LoadUnvalidated() (Config, error) {
	envFile := os.Getenv(envFileVar)
	if envFile == "" {
		envFile = ".env"
	}
	return loadWith(newPlatformBackend(), keychainReader{}, envFile)
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	fileEnv, err := readEnvFile(envFile)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileEnv[key]
	})

	if cfg.Auth.Token == "" {
		if tok, err := kc.Get(keychainService, keychainAccount); err == nil && tok != "" {
			cfg.Auth.Token = tok
		}
	}
	return cfg, nil
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file %s: %w", path, err)
	}
	return vals, nil
}

// StoreToken saves the API token in the platform secret store.
func StoreToken(token string) error {
	return keychainSet(keychainService, keychainAccount, token)
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
