package router

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"javelin/pkg/protocol"
)

// Resource-limit defaults. All caller-overridable via Config.
const (
	DefaultMaxRPCBytes           = protocol.DefaultMaxRPCBytes
	DefaultMaxInflightHandshakes = 128
	DefaultMaxWorkerConnections  = 1024
	DefaultHandshakeTimeout      = 5 * time.Second
	DefaultShutdownAckTimeout    = 2 * time.Second
	DefaultWorkerKillGrace       = 2 * time.Second
)

// Listen address kinds.
const (
	NetworkUnix = "unix"
	NetworkPipe = "pipe"
	NetworkTCP  = "tcp"
)

// ListenAddr is the transport endpoint workers connect back to. The kind is
// selected by configuration, never negotiated on the wire.
type ListenAddr struct {
	Network string // unix, pipe, or tcp
	Addr    string // socket path, pipe name, or host:port
}

// ParseListenAddr parses "unix:<path>", "pipe:<name>", or "tcp:<host:port>".
func ParseListenAddr(raw string) (ListenAddr, error) {
	network, addr, ok := strings.Cut(raw, ":")
	if !ok || addr == "" {
		return ListenAddr{}, fmt.Errorf("invalid listen address %q", raw)
	}
	switch network {
	case NetworkUnix, NetworkPipe, NetworkTCP:
		return ListenAddr{Network: network, Addr: addr}, nil
	default:
		return ListenAddr{}, fmt.Errorf("unsupported listen scheme %q", network)
	}
}

// String renders the address in the worker --connect format.
func (a ListenAddr) String() string {
	return a.Network + ":" + a.Addr
}

func (a ListenAddr) isLoopbackTCP() bool {
	host, _, err := net.SplitHostPort(a.Addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Config configures a Router. The zero value is not usable; build one from a
// TOML file via LoadConfig or fill the fields directly and let withDefaults
// backfill the limits.
type Config struct {
	// Listen is where workers connect back. Required.
	Listen ListenAddr `toml:"-"`

	// ListenRaw is the TOML form of Listen ("unix:/path/to.sock").
	ListenRaw string `toml:"listen"`

	// WorkerCommand is the worker binary to spawn, with optional extra args.
	WorkerCommand string   `toml:"worker_command"`
	WorkerArgs    []string `toml:"worker_args"`

	// CacheDir is handed to workers at spawn time and also holds spawned
	// worker log files.
	CacheDir string `toml:"cache_dir"`

	// AuthToken is the shared secret workers must present at handshake.
	// Auto-generated when SpawnWorkers is true and no token is set.
	AuthToken string `toml:"auth_token"`

	// AllowInsecureTCP permits plaintext TCP with an auth token or a
	// non-loopback bind address. Off by default.
	AllowInsecureTCP bool `toml:"allow_insecure_tcp"`

	// TLSClientCertFingerprintAllowlist restricts which client certificates
	// may connect when the operator terminates TLS in front of the listener.
	// Entries are hex-encoded SHA-256 fingerprints.
	TLSClientCertFingerprintAllowlist []string `toml:"tls_client_cert_fingerprint_allowlist"`

	// SpawnWorkers controls whether the supervisor launches worker processes
	// itself. False lets a test harness or operator supply workers out of
	// band; the listener still accepts and replaces them.
	SpawnWorkers bool `toml:"spawn_workers"`

	// Resource limits; zero means the documented default.
	MaxRPCBytes           int `toml:"max_rpc_bytes"`
	MaxInflightHandshakes int `toml:"max_inflight_handshakes"`
	MaxWorkerConnections  int `toml:"max_worker_connections"`

	// HandshakeTimeout bounds spawn-to-handshake; ShutdownAckTimeout bounds
	// the per-worker shutdown acknowledgement wait.
	HandshakeTimeout   time.Duration `toml:"-"`
	ShutdownAckTimeout time.Duration `toml:"-"`

	// EventLogPath, if set, enables the SQLite worker-lifecycle event log.
	EventLogPath string `toml:"event_log"`

	// AdminSocket, if set, serves the line-JSON admin protocol (stats,
	// shutdown) on a Unix socket.
	AdminSocket string `toml:"admin_socket"`
}

// LoadConfig reads a router config from a TOML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ListenRaw != "" {
		cfg.Listen, err = ParseListenAddr(cfg.ListenRaw)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// withDefaults returns a copy with zero-valued limits backfilled.
func (c Config) withDefaults() Config {
	if c.MaxRPCBytes <= 0 {
		c.MaxRPCBytes = DefaultMaxRPCBytes
	}
	if c.MaxInflightHandshakes <= 0 {
		c.MaxInflightHandshakes = DefaultMaxInflightHandshakes
	}
	if c.MaxWorkerConnections <= 0 {
		c.MaxWorkerConnections = DefaultMaxWorkerConnections
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ShutdownAckTimeout <= 0 {
		c.ShutdownAckTimeout = DefaultShutdownAckTimeout
	}
	return c
}

// validate refuses configurations that would leak the auth token or shard
// source in cleartext. The worker applies the mirror rule on connect.
func (c Config) validate() error {
	if c.Listen.Network == "" || c.Listen.Addr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.Listen.Network == NetworkTCP && !c.AllowInsecureTCP {
		if c.AuthToken != "" {
			return fmt.Errorf(
				"config: refusing plaintext TCP listener with an auth token set; this would send the token in cleartext (set allow_insecure_tcp for local testing)")
		}
		if !c.Listen.isLoopbackTCP() {
			return fmt.Errorf(
				"config: refusing plaintext TCP listener on non-loopback address %s (set allow_insecure_tcp to override)", c.Listen.Addr)
		}
	}
	for _, fp := range c.TLSClientCertFingerprintAllowlist {
		if len(fp) != 64 || strings.Trim(strings.ToLower(fp), "0123456789abcdef") != "" {
			return fmt.Errorf("config: malformed TLS fingerprint %q (want hex SHA-256)", fp)
		}
	}
	if c.SpawnWorkers && c.WorkerCommand == "" {
		return fmt.Errorf("config: spawn_workers requires worker_command")
	}
	return nil
}

// String renders the config for logs with the auth token redacted.
func (c Config) String() string {
	auth := "absent"
	if c.AuthToken != "" {
		auth = "present"
	}
	return fmt.Sprintf(
		"Config{listen: %s, worker_command: %q, cache_dir: %q, auth: %s, allow_insecure_tcp: %t, spawn_workers: %t, max_rpc_bytes: %d, max_inflight_handshakes: %d, max_worker_connections: %d}",
		c.Listen, c.WorkerCommand, c.CacheDir, auth, c.AllowInsecureTCP, c.SpawnWorkers,
		c.MaxRPCBytes, c.MaxInflightHandshakes, c.MaxWorkerConnections,
	)
}
