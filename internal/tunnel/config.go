package tunnel

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config is the connectivity configuration handed to Manager at construction.
type Config struct {
	SSHHost        string `mapstructure:"ssh_host"`
	SSHPort        int    `mapstructure:"ssh_port"`
	SSHUser        string `mapstructure:"ssh_user"`
	SSHPassword    string `mapstructure:"ssh_password"`
	SSHKeyPath     string `mapstructure:"ssh_key_path"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`

	LocalPort  int    `mapstructure:"local_port"`
	RemoteHost string `mapstructure:"remote_host"`
	RemotePort int    `mapstructure:"remote_port"`

	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ProbeInterval        time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
	FailedProbeThreshold int           `mapstructure:"failed_probe_threshold"`
	ReconnectAttempts    int           `mapstructure:"reconnect_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	KeepAliveInterval    time.Duration `mapstructure:"keepalive_interval"`
	KeepAliveMaxMissed   int           `mapstructure:"keepalive_max_missed"`
}

// DefaultConfig mirrors the layout of the deployed knowledge-base host:
// local 16060 forwarded to port 6060 on the remote side.
func DefaultConfig() Config {
	return Config{
		SSHPort:              22,
		SSHUser:              "root",
		LocalPort:            16060,
		RemoteHost:           "localhost",
		RemotePort:           6060,
		ConnectTimeout:       15 * time.Second,
		ProbeInterval:        30 * time.Second,
		ProbeTimeout:         3 * time.Second,
		FailedProbeThreshold: 3,
		ReconnectAttempts:    5,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		KeepAliveInterval:    30 * time.Second,
		KeepAliveMaxMissed:   3,
	}
}

// Validate reports configuration that cannot produce a tunnel.
func (c Config) Validate() error {
	if c.SSHHost == "" {
		return fmt.Errorf("tunnel: ssh host is required")
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		return fmt.Errorf("tunnel: invalid ssh port %d", c.SSHPort)
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("tunnel: invalid local port %d", c.LocalPort)
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return fmt.Errorf("tunnel: invalid remote port %d", c.RemotePort)
	}
	if c.FailedProbeThreshold < 1 {
		return fmt.Errorf("tunnel: failed probe threshold must be at least 1")
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("tunnel: reconnect attempts must be at least 1")
	}
	return nil
}

// LocalAddr is the loopback address clients use to reach the forwarded service.
func (c Config) LocalAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.LocalPort))
}

// RemoteAddr is the service address as seen from the SSH host.
func (c Config) RemoteAddr() string {
	host := c.RemoteHost
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.RemotePort))
}

// SSHAddr is the address of the SSH server.
func (c Config) SSHAddr() string {
	return net.JoinHostPort(c.SSHHost, strconv.Itoa(c.SSHPort))
}
