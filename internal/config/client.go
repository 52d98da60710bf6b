package config

import "time"

// Storage backends understood by the exam client.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMongo  = "mongo"
)

// ClientConfig holds the exam client configuration. The CLI fills it from
// flags, EXSTEM_* environment variables and an optional config file.
type ClientConfig struct {
	BaseURL   string
	Token     string
	Lang      string
	LogLevel  string
	LogFormat string

	// Storage selects the durable local storage backend and its DSN
	// (file path for sqlite, URL for redis and mongo).
	Storage    string
	StorageDSN string

	DebounceDelay     time.Duration
	HeartbeatInterval time.Duration
	// ProbeFailureThreshold is the number of consecutive failed probes that
	// flips the connection status to unreachable.
	ProbeFailureThreshold int
	TickInterval          time.Duration
	RequestTimeout        time.Duration
	FlushConcurrency      int
}

// DefaultClientConfig returns the defaults used for CLI flags.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:               "http://localhost:8080",
		Lang:                  "en",
		LogLevel:              "info",
		LogFormat:             "pretty",
		Storage:               StorageSQLite,
		StorageDSN:            "exstem-client.db",
		DebounceDelay:         600 * time.Millisecond,
		HeartbeatInterval:     30 * time.Second,
		ProbeFailureThreshold: 2,
		TickInterval:          time.Second,
		RequestTimeout:        15 * time.Second,
		FlushConcurrency:      8,
	}
}
