package config

// ConfigBackend is the persisted layer between defaults and env overrides.
// Keys are dotted ("server.port"). A missing key reports ok=false and no
// error; a present value of the wrong type reports ok=true with an error.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
