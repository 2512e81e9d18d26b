package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.base_url", typ: kString, env: "PAPERDESK_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "server.ws_url", typ: kString, env: "PAPERDESK_SERVER_WS_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.WSURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.WSURL },
	},
	{
		key: "server.project_id", typ: kString, env: "PAPERDESK_SERVER_PROJECT_ID",
		apply:   func(cfg *Config, v any) { cfg.Server.ProjectID = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.ProjectID },
	},
	{
		key: "server.listen_port", typ: kInt, env: "PAPERDESK_SERVER_LISTEN_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.ListenPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.ListenPort },
	},
	{
		key: "assistant.poll_interval", typ: kDuration, env: "PAPERDESK_ASSISTANT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Assistant.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Assistant.PollInterval },
	},
	{
		key: "assistant.throttle_window", typ: kDuration, env: "PAPERDESK_ASSISTANT_THROTTLE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Assistant.ThrottleWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Assistant.ThrottleWindow },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PAPERDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PAPERDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "PAPERDESK_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "auth.token", typ: kString, env: "PAPERDESK_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Token },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
