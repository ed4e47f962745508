// Package config loads the orchestrator's frozen configuration record
// from a TOML file. Once loaded a Config is never mutated.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
)

// ServiceClient configures one bounded upstream HTTP dependency
// (marketplace, downloader, or the container engine).
type ServiceClient struct {
	BaseURL     string `toml:"base_url"`
	UnixSocket  string `toml:"unix_socket"`
	Concurrency int    `toml:"concurrency"` // 1-255
	ReadTimeout string `toml:"read_timeout"` // milliseconds, or "never"
	UserAgent   string `toml:"user_agent"`
}

// ReadTimeoutDuration parses ReadTimeout, returning (0, true) for "never".
func (s ServiceClient) ReadTimeoutDuration() (d time.Duration, never bool, err error) {
	if s.ReadTimeout == "" || s.ReadTimeout == "never" {
		return 0, true, nil
	}
	ms, err := time.ParseDuration(s.ReadTimeout + "ms")
	if err != nil {
		return 0, false, fmt.Errorf("parsing read_timeout %q: %w", s.ReadTimeout, err)
	}
	return ms, false, nil
}

// Containers configures the images and paths used to drive build and
// publish jobs.
type Containers struct {
	BuildImage     string `toml:"build_image"`
	PublishImage   string `toml:"publish_image"`
	InnerWorkPath  string `toml:"inner_work_path"`
	OuterWorkPath  string `toml:"outer_work_path"`
	VanillaVolume  string `toml:"vanilla_volume"`
	SecretsVolume  string `toml:"secrets_volume"`
	DeploySiteName string `toml:"deploy_site_name"`
}

// Config is the frozen, process-wide configuration record.
type Config struct {
	ListenAddress string `toml:"listen_address"`
	DatabasePath  string `toml:"database_path"`

	Marketplace ServiceClient `toml:"marketplace"`
	Downloader  ServiceClient `toml:"downloader"`
	Engine      ServiceClient `toml:"engine"`

	Containers Containers `toml:"containers"`

	WaitOnPublishPollIntervalMS int64 `toml:"wait_on_publish_poll_interval_ms"`

	ResponseHeaders map[string]string `toml:"response_headers"`

	// DebugAuthToken gates the /x/ admin routes. Empty disables them.
	DebugAuthToken string `toml:"debug_auth_token"`
}

// Default returns a Config populated with reasonable defaults, used both
// as a starting point for Load and to print via --show-default.
func Default() Config {
	return Config{
		ListenAddress: "127.0.0.1:8080",
		DatabasePath:  "forgehost.db",
		Marketplace: ServiceClient{
			BaseURL:     "https://steamcommunity.com",
			Concurrency: 8,
			ReadTimeout: "20000",
			UserAgent:   "forgehost/1.0",
		},
		Downloader: ServiceClient{
			BaseURL:     "http://127.0.0.1:9000",
			Concurrency: 4,
			ReadTimeout: "never",
			UserAgent:   "forgehost/1.0",
		},
		Engine: ServiceClient{
			UnixSocket:  "/run/container-engine.sock",
			Concurrency: 2,
			ReadTimeout: "never",
		},
		Containers: Containers{
			BuildImage:     "forgehost/builder:latest",
			PublishImage:   "forgehost/publisher:latest",
			InnerWorkPath:  "/baro",
			OuterWorkPath:  "/var/lib/forgehost/work",
			VanillaVolume:  "forgehost-vanilla",
			SecretsVolume:  "forgehost-secrets",
			DeploySiteName: "forgehost-site",
		},
		WaitOnPublishPollIntervalMS: 500,
		ResponseHeaders: map[string]string{
			"X-Powered-By": "forgehost",
		},
	}
}

// Load reads and decodes a TOML config file, starting from Default() so
// unspecified fields keep sane values.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault encodes Default() as TOML to w — backs --show-default.
func WriteDefault(w io.Writer) error {
	return toml.NewEncoder(w).Encode(Default())
}
