// Package config holds the kernel configuration and the connection file
// format clients use to reach a running kernel.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/agentkernel/errors"
)

// SignatureScheme is the only signing scheme the wire codec speaks.
const SignatureScheme = "hmac-sha256"

// Config is the complete kernel configuration.
type Config struct {
	KernelID   string `json:"kernel_id"`
	Transport  string `json:"transport"` // "tcp", "ws", "nats", "inproc"
	IP         string `json:"ip"`
	BasePort   int    `json:"base_port"`
	SigningKey string `json:"signing_key"`

	ConnectionFile string `json:"connection_file,omitempty"`
	StateDir       string `json:"state_dir,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
	LogFile  string `json:"log_file,omitempty"`

	Daemon      bool          `json:"daemon,omitempty"`
	PIDFile     string        `json:"pid_file,omitempty"`
	IdleTimeout time.Duration `json:"idle_timeout,omitempty"`
	MaxClients  int           `json:"max_clients,omitempty"`

	SessionTTL      time.Duration `json:"session_ttl,omitempty"`
	ResumeOnRestart bool          `json:"resume_on_restart,omitempty"`

	// OllamaHost points at the model collaborator, when one is attached.
	OllamaHost string `json:"ollama_host,omitempty"`
}

// Default returns a configuration with generated identity and key material.
func Default() *Config {
	return &Config{
		KernelID:   uuid.NewString(),
		Transport:  "tcp",
		IP:         "127.0.0.1",
		BasePort:   9550,
		SigningKey: uuid.NewString(),
		LogLevel:   "info",
		MaxClients: 32,
	}
}

// ApplyEnv overlays supported environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.OllamaHost = v
	}
	if c.StateDir == "" {
		if home := userHome(); home != "" {
			c.StateDir = filepath.Join(home, ".agentkernel", "state")
		}
	}
}

func userHome() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

// Validate reports the first problem with the configuration. A missing
// signing key is fatal; the kernel must never run unsigned.
func (c *Config) Validate() error {
	if c.SigningKey == "" {
		return errors.WrapFatal(errors.ErrMissingKey, "Config", "Validate", "signing key")
	}
	if c.KernelID == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: kernel id required", errors.ErrInvalidConfig),
			"Config", "Validate", "kernel id")
	}
	if c.BasePort < 0 || c.BasePort > 65530 {
		return errors.WrapFatal(
			fmt.Errorf("%w: base port %d out of range", errors.ErrInvalidConfig, c.BasePort),
			"Config", "Validate", "base port")
	}
	switch c.Transport {
	case "tcp", "ws", "nats", "inproc":
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: unknown transport %q", errors.ErrInvalidConfig, c.Transport),
			"Config", "Validate", "transport")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.LogLevel),
			"Config", "Validate", "log level")
	}
	return nil
}

// ConnectionFile is the JSON document a kernel writes at startup so clients
// can find and authenticate to it.
type ConnectionFile struct {
	KernelID        string `json:"kernel_id"`
	SigningKey      string `json:"signing_key"`
	SignatureScheme string `json:"signature_scheme"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port,omitempty"`
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
}

// NewConnectionFile derives the connection file from a config, assigning
// consecutive ports from BasePort.
func NewConnectionFile(cfg *Config) *ConnectionFile {
	return &ConnectionFile{
		KernelID:        cfg.KernelID,
		SigningKey:      cfg.SigningKey,
		SignatureScheme: SignatureScheme,
		ShellPort:       cfg.BasePort,
		ControlPort:     cfg.BasePort + 1,
		IOPubPort:       cfg.BasePort + 2,
		StdinPort:       cfg.BasePort + 3,
		HBPort:          cfg.BasePort + 4,
		Transport:       cfg.Transport,
		IP:              cfg.IP,
	}
}

// Validate checks the connection file fields a client depends on. A
// corrupted file is fatal.
func (cf *ConnectionFile) Validate() error {
	if cf.KernelID == "" || cf.SigningKey == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: kernel_id and signing_key required", errors.ErrInvalidConfig),
			"ConnectionFile", "Validate", "identity")
	}
	if cf.SignatureScheme != SignatureScheme {
		return errors.WrapFatal(
			fmt.Errorf("%w: unsupported signature scheme %q", errors.ErrInvalidConfig, cf.SignatureScheme),
			"ConnectionFile", "Validate", "signature scheme")
	}
	for _, port := range []int{cf.ShellPort, cf.ControlPort, cf.IOPubPort, cf.StdinPort} {
		if port <= 0 || port > 65535 {
			return errors.WrapFatal(
				fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, port),
				"ConnectionFile", "Validate", "ports")
		}
	}
	return nil
}

// Write persists the connection file with owner-only permissions: it carries
// the signing key.
func (cf *ConnectionFile) Write(path string) error {
	if err := cf.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return errors.WrapStorage(err, "ConnectionFile", "Write", "marshal")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.WrapStorage(err, "ConnectionFile", "Write", "create directory")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.WrapStorage(err, "ConnectionFile", "Write", path)
	}
	return nil
}

// LoadConnectionFile reads and validates a connection file.
func LoadConnectionFile(path string) (*ConnectionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapStorage(err, "ConnectionFile", "Load", path)
	}
	var cf ConnectionFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"ConnectionFile", "Load", "corrupted connection file")
	}
	if err := cf.Validate(); err != nil {
		return nil, err
	}
	return &cf, nil
}

// Address formats the endpoint of one channel port.
func (cf *ConnectionFile) Address(port int) string {
	return cf.IP + ":" + strconv.Itoa(port)
}
