// Package config holds sessiond runtime configuration.
//
// Config is a plain struct populated by the caller (flags, environment,
// a hand-rolled loader); this package does not read or parse any config
// file format itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ContainerConfig describes defaults applied to every created container.
type ContainerConfig struct {
	// ISOFilePath is the path to the disk image used to define new domains.
	ISOFilePath string

	// MemoryMB is the default VM memory in megabytes.
	MemoryMB int

	// VCPUs is the default number of virtual CPUs.
	VCPUs int

	// NATInterfaceName is the libvirt NAT/bridge device new domains attach to.
	NATInterfaceName string

	// EndpointUsername / EndpointPassword authenticate the one-time admin
	// SSH session used to provision per-client credentials.
	EndpointUsername string
	EndpointPassword string

	// EndpointListenPort is the guest SSH port reached through the admin shell.
	EndpointListenPort int

	// MaxTryout bounds the number of IP-lease / SSH-readiness poll attempts.
	MaxTryout int

	// ClientSSHPasswordLength is the length of the generated per-client password.
	ClientSSHPasswordLength int
}

// ServerConfig describes the binary-protocol listener.
type ServerConfig struct {
	BindAddress    string
	ListenPort     int
	ClientTimeout  time.Duration
	PassiveMode    bool
	MaxRunningContainers int
	RSAKeySize     int
}

// WebServerConfig describes the parallel HTTP/REST listener.
type WebServerConfig struct {
	Enabled        bool
	BindAddress    string
	ListenPort     int
	EnableSSL      bool
	SSLCertFile    string
	SSLKeyFile     string
}

// PortForwardingConfig describes the forwardable port range.
type PortForwardingConfig struct {
	RangeStart int
	RangeEnd   int
}

// IPFilterConfig describes admission-time address filtering.
type IPFilterConfig struct {
	Enabled       bool
	AllowedRanges []string
	DeniedRanges  []string
}

// AccessTokenConfig describes the optional access-token gate.
type AccessTokenConfig struct {
	Enabled              bool
	AccessTokenDatabaseFilePath string
}

// LogRotationConfig describes what happens to a completed log file.
type LogRotationConfig struct {
	// Action is "delete" or "archive".
	Action     string
	ArchiveDir string
}

// Config holds sessiond runtime configuration.
type Config struct {
	DataDir string

	Container     ContainerConfig
	Server        ServerConfig
	WebServer     WebServerConfig
	PortForwarding PortForwardingConfig
	IPFilter      IPFilterConfig
	AccessToken   AccessTokenConfig
	LogRotation   LogRotationConfig

	// RSAPrivateKeyPath / CredentialDatabasePath are file locations for
	// persistent material that must survive a restart.
	RSAPrivateKeyPath      string
	PIDFilePath            string
}

// DefaultConfig returns a configuration usable for local testing. Production
// deployments are expected to override every path below.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".anweddol")

	return &Config{
		DataDir: base,
		Container: ContainerConfig{
			MemoryMB:                2048,
			VCPUs:                   2,
			NATInterfaceName:        "virbr0",
			EndpointUsername:        "endpoint",
			EndpointPassword:        "endpoint",
			EndpointListenPort:      22,
			MaxTryout:               20,
			ClientSSHPasswordLength: 120,
		},
		Server: ServerConfig{
			BindAddress:          "0.0.0.0",
			ListenPort:           6150,
			ClientTimeout:        10 * time.Second,
			PassiveMode:          false,
			MaxRunningContainers: 10,
			RSAKeySize:           4096,
		},
		WebServer: WebServerConfig{
			Enabled:     false,
			BindAddress: "0.0.0.0",
			ListenPort:  6151,
		},
		PortForwarding: PortForwardingConfig{
			RangeStart: 10000,
			RangeEnd:   15000,
		},
		AccessToken: AccessTokenConfig{
			AccessTokenDatabaseFilePath: filepath.Join(base, "access_token.db"),
		},
		LogRotation: LogRotationConfig{
			Action:     "delete",
			ArchiveDir: filepath.Join(base, "log_archive"),
		},
		RSAPrivateKeyPath: filepath.Join(base, "rsa_private_key.pem"),
		PIDFilePath:       filepath.Join(base, "sessiond.pid"),
	}
}

// EnsureDirs creates every directory this configuration references.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.DataDir, filepath.Dir(c.RSAPrivateKeyPath), filepath.Dir(c.PIDFilePath)}
	if c.AccessToken.AccessTokenDatabaseFilePath != "" {
		dirs = append(dirs, filepath.Dir(c.AccessToken.AccessTokenDatabaseFilePath))
	}
	if c.LogRotation.Action == "archive" {
		dirs = append(dirs, c.LogRotation.ArchiveDir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime errors deep inside the engine or the port forwarder.
func (c *Config) Validate() error {
	if c.PortForwarding.RangeEnd <= c.PortForwarding.RangeStart {
		return fmt.Errorf("port_forwarding: range end must be greater than range start")
	}
	width := c.PortForwarding.RangeEnd - c.PortForwarding.RangeStart
	if width < c.Server.MaxRunningContainers {
		return fmt.Errorf("port_forwarding: range width %d is smaller than max_allowed_running_container_domains %d", width, c.Server.MaxRunningContainers)
	}
	if c.Container.MemoryMB <= 0 {
		return fmt.Errorf("container: memory_mb must be positive")
	}
	if c.Container.VCPUs <= 0 {
		return fmt.Errorf("container: vcpus must be positive")
	}
	if c.LogRotation.Action != "delete" && c.LogRotation.Action != "archive" {
		return fmt.Errorf("log_rotation: action must be \"delete\" or \"archive\", got %q", c.LogRotation.Action)
	}
	return nil
}
