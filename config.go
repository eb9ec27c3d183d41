package redis

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Server limits, matching the constants Redis itself documents.
const (
	// SizeMax is the largest a single string value can be.
	SizeMax = 512 << 20

	// KeyMax is the largest number of keys a Redis instance can hold.
	KeyMax = 1 << 32

	// ElementMax is the largest number of elements any one hash, list,
	// set, or sorted set can hold.
	ElementMax = 1<<32 - 1
)

// Role names the kind of node Sentinel should resolve to.
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

// Address is a host/port pair, matching spec.md's Config.addr shape.
type Address struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

func (a Address) String() string {
	if a.Port == "" {
		return a.Host
	}
	return a.Host + ":" + a.Port
}

// SentinelConfig enables Redis Sentinel based master/replica discovery.
type SentinelConfig struct {
	Addresses  []Address `yaml:"addresses"`
	MasterName string    `yaml:"master_name"`
	ServerRole Role       `yaml:"server_role"`

	// Setup is an optional request run against each Sentinel before the
	// GET-MASTER-ADDR-BY-NAME/REPLICAS/SENTINELS trio (e.g. AUTH).
	Setup *Request `yaml:"-"`
}

// Config configures a Connection. Start from DefaultConfig, which dials
// localhost:6379 with a one-second connect timeout and no reconnection;
// the zero value has no address and no connect timeout.
type Config struct {
	Addr         Address `yaml:"addr"`
	UnixSocket   string  `yaml:"unix_socket"`
	UseSSL       bool    `yaml:"use_ssl"`
	TLSConfig    *tlsConfigPlaceholder `yaml:"-"`

	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	ClientName string `yaml:"clientname"`
	DatabaseIndex int  `yaml:"database_index"`

	// Setup is an optional user-provided request appended to the
	// handshake, after SELECT.
	Setup *Request `yaml:"-"`

	ResolveTimeout       time.Duration `yaml:"resolve_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	SslHandshakeTimeout  time.Duration `yaml:"ssl_handshake_timeout"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	ReconnectWaitInterval time.Duration `yaml:"reconnect_wait_interval"`

	MaxReadBuffer int `yaml:"max_read_buffer"`

	Sentinel SentinelConfig `yaml:"sentinel"`

	LogPrefix string `yaml:"log_prefix"`
}

// tlsConfigPlaceholder avoids importing crypto/tls into every file that
// touches Config; see tls.go for the real type alias.
type tlsConfigPlaceholder = tlsConfig

// DefaultConfig returns a Config with the same defaults spec.md assigns:
// one second connect timeout, no reconnection, no health checks, no
// Sentinel.
func DefaultConfig() Config {
	return Config{
		Addr:           Address{Host: "localhost", Port: "6379"},
		ConnectTimeout: time.Second,
		ResolveTimeout: time.Second,
		MaxReadBuffer:  SizeMax,
	}
}

// LoadConfig decodes YAML into a Config seeded with DefaultConfig's
// defaults. This is the supplement spec.md doesn't require but a
// deployment driven by a config file, not hand-built Go structs, does; see
// SPEC_FULL.md §1 "Configuration".
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, wrapErr(KindUnknown, err, "decoding yaml config")
	}
	return &cfg, nil
}

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "master"
}
