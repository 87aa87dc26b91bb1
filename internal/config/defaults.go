package config

import "time"

// Version is the gateway release version. It is exported to app processes
// via TERM_PROGRAM_VERSION and shown by the CLI.
const Version = "0.3.0"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8000,
			HTTP2:           false,
			TLS:             TLSConfig{Auto: false},
			ShutdownTimeout: Duration(30 * time.Second),
		},
		App: AppConfig{
			Debug: false,
		},
		Static: StaticConfig{
			Root:         "",
			CacheControl: "public, max-age=3600",
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
