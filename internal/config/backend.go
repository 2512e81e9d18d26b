package config

// ConfigBackend is the platform store that persists config keys: the
// defaults domain on macOS, a JSON file elsewhere. Location describes where
// values live, for display.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
	Location() string
}
