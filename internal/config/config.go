// Package config loads Task Messenger's configuration from a JSON file
// merged with command-line flags, flags winning on conflict.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/taskfabric/taskmessenger/internal/taskerr"
)

// TransportServer holds the manager's listen and reactor settings.
type TransportServer struct {
	ListenHost string `json:"listen_host"`
	ListenPort int    `json:"listen_port"`
	IOThreads  int    `json:"io_threads"`
}

// Manager holds the legacy fallback listen settings
// (`manager.listen_host`/`listen_port`); transport_server wins when
// both groups are present.
type Manager struct {
	ListenHost string `json:"listen_host"`
	ListenPort int    `json:"listen_port"`
}

// Worker holds the worker binary's connection and strategy settings.
type Worker struct {
	ManagerHost string `json:"manager_host"`
	ManagerPort int    `json:"manager_port"`
	Mode        string `json:"mode"`
}

// Network holds overlay-network configuration. IdentityPath is
// accepted and threaded through; the plain-TCP socket factory does not
// consume it, and Validate does not check it.
type Network struct {
	IdentityPath string `json:"identity_path"`
}

// Logging controls the logiface/zerolog setup in internal/logging.
type Logging struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Metrics controls the Prometheus /metrics endpoint in internal/metrics.
type Metrics struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// Acceptor controls the manager's accept-rate guard. RateLimit is
// accepted connections per second per peer IP, 0 meaning unlimited;
// RateBurst is the burst allowance on top of the steady rate.
type Acceptor struct {
	RateLimit int `json:"accept_rate_limit"`
	RateBurst int `json:"accept_rate_burst"`
}

// Config is the full merged configuration for either binary.
type Config struct {
	TransportServer TransportServer `json:"transport_server"`
	Manager         Manager         `json:"manager"`
	Worker          Worker          `json:"worker"`
	Network         Network         `json:"network"`
	Logging         Logging         `json:"logging"`
	Metrics         Metrics         `json:"metrics"`
	Acceptor        Acceptor        `json:"acceptor"`
	MaxBodySize     uint32          `json:"max_body_size"`
}

// Defaults returns a Config populated with the documented default
// values.
func Defaults() Config {
	return Config{
		TransportServer: TransportServer{
			ListenHost: "0.0.0.0",
			ListenPort: 8080,
			IOThreads:  1,
		},
		Worker: Worker{
			ManagerHost: "localhost",
			ManagerPort: 8080,
			Mode:        "blocking",
		},
		Logging: Logging{
			Level: "info",
		},
		Metrics: Metrics{
			Enabled:    false,
			ListenAddr: ":9090",
		},
		MaxBodySize: 16 << 20,
	}
}

// ResolvedListenAddr applies the transport_server-over-manager
// precedence rule, field by field: transport_server's host wins when
// non-empty and its port when non-zero; otherwise the legacy manager.*
// value is used for that field.
func (c Config) ResolvedListenAddr() (host string, port int) {
	host, port = c.TransportServer.ListenHost, c.TransportServer.ListenPort
	if host == "" && c.Manager.ListenHost != "" {
		host = c.Manager.ListenHost
	}
	if port == 0 && c.Manager.ListenPort != 0 {
		port = c.Manager.ListenPort
	}
	return host, port
}

// Validate checks the invariants config.Load's caller relies on: a
// nonzero listen port, a reactor thread count within 1..512, and a
// recognized worker mode.
func (c Config) Validate() error {
	_, port := c.ResolvedListenAddr()
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", taskerr.ErrConfig, port)
	}
	if c.TransportServer.IOThreads < 1 || c.TransportServer.IOThreads > 512 {
		return fmt.Errorf("%w: io_threads %d out of range [1,512]", taskerr.ErrConfig, c.TransportServer.IOThreads)
	}
	if c.Worker.Mode != "blocking" && c.Worker.Mode != "async" {
		return fmt.Errorf("%w: worker.mode %q must be blocking or async", taskerr.ErrConfig, c.Worker.Mode)
	}
	if c.Acceptor.RateLimit < 0 {
		return fmt.Errorf("%w: acceptor.accept_rate_limit %d must be >= 0", taskerr.ErrConfig, c.Acceptor.RateLimit)
	}
	if c.Acceptor.RateBurst < 0 {
		return fmt.Errorf("%w: acceptor.accept_rate_burst %d must be >= 0", taskerr.ErrConfig, c.Acceptor.RateBurst)
	}
	return nil
}

// Load reads a JSON config file (if path is non-empty and exists),
// layers it over Defaults, then layers CLI flags from fs over the
// result. fs's flags are expected to already be parsed (RegisterFlags
// registers them; callers parse via cobra before calling Load). A
// manager.listen_host/listen_port in the file replaces the built-in
// transport_server default for any field the file's transport_server
// group does not set.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("%w: reading %q: %v", taskerr.ErrConfig, path, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %q: %v", taskerr.ErrConfig, path, err)
		} else {
			var present struct {
				TransportServer map[string]json.RawMessage `json:"transport_server"`
			}
			_ = json.Unmarshal(data, &present)
			if _, ok := present.TransportServer["listen_host"]; !ok && cfg.Manager.ListenHost != "" {
				cfg.TransportServer.ListenHost = cfg.Manager.ListenHost
			}
			if _, ok := present.TransportServer["listen_port"]; !ok && cfg.Manager.ListenPort != 0 {
				cfg.TransportServer.ListenPort = cfg.Manager.ListenPort
			}
		}
	}

	if fs != nil {
		applyFlagOverrides(&cfg, fs)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFlagOverrides copies any flag the caller explicitly set (via
// fs.Changed) onto cfg, implementing "flags win" only for flags the
// user actually passed.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) {
	if fs.Changed("listen-host") {
		if v, err := fs.GetString("listen-host"); err == nil {
			cfg.TransportServer.ListenHost = v
		}
	}
	if fs.Changed("listen-port") {
		if v, err := fs.GetInt("listen-port"); err == nil {
			cfg.TransportServer.ListenPort = v
		}
	}
	if fs.Changed("io-threads") {
		if v, err := fs.GetInt("io-threads"); err == nil {
			cfg.TransportServer.IOThreads = v
		}
	}
	if fs.Changed("manager-host") {
		if v, err := fs.GetString("manager-host"); err == nil {
			cfg.Worker.ManagerHost = v
		}
	}
	if fs.Changed("manager-port") {
		if v, err := fs.GetInt("manager-port"); err == nil {
			cfg.Worker.ManagerPort = v
		}
	}
	if fs.Changed("worker-mode") {
		if v, err := fs.GetString("worker-mode"); err == nil {
			cfg.Worker.Mode = v
		}
	}
	if fs.Changed("log-level") {
		if v, err := fs.GetString("log-level"); err == nil {
			cfg.Logging.Level = v
		}
	}
	if fs.Changed("metrics-enabled") {
		if v, err := fs.GetBool("metrics-enabled"); err == nil {
			cfg.Metrics.Enabled = v
		}
	}
	if fs.Changed("metrics-listen-addr") {
		if v, err := fs.GetString("metrics-listen-addr"); err == nil {
			cfg.Metrics.ListenAddr = v
		}
	}
	if fs.Changed("accept-rate-limit") {
		if v, err := fs.GetInt("accept-rate-limit"); err == nil {
			cfg.Acceptor.RateLimit = v
		}
	}
	if fs.Changed("accept-rate-burst") {
		if v, err := fs.GetInt("accept-rate-burst"); err == nil {
			cfg.Acceptor.RateBurst = v
		}
	}
	if fs.Changed("identity-path") {
		if v, err := fs.GetString("identity-path"); err == nil {
			cfg.Network.IdentityPath = v
		}
	}
}

// RegisterFlags registers every flag applyFlagOverrides knows how to
// apply onto fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("listen-host", d.TransportServer.ListenHost, "transport_server listen host")
	fs.Int("listen-port", d.TransportServer.ListenPort, "transport_server listen port")
	fs.Int("io-threads", d.TransportServer.IOThreads, "reactor worker thread count (1..512)")
	fs.String("manager-host", d.Worker.ManagerHost, "worker: manager host to connect to")
	fs.Int("manager-port", d.Worker.ManagerPort, "worker: manager port to connect to")
	fs.String("worker-mode", d.Worker.Mode, "worker: blocking or async")
	fs.String("log-level", d.Logging.Level, "logging level (trace..error)")
	fs.Bool("metrics-enabled", d.Metrics.Enabled, "enable the /metrics HTTP endpoint")
	fs.String("metrics-listen-addr", d.Metrics.ListenAddr, "address for the /metrics HTTP endpoint")
	fs.Int("accept-rate-limit", d.Acceptor.RateLimit, "accepted connections per second per peer IP (0 = unlimited)")
	fs.Int("accept-rate-burst", d.Acceptor.RateBurst, "burst allowance on top of the accept rate limit")
	fs.String("identity-path", d.Network.IdentityPath, "overlay identity directory")
}
