// Package config loads and validates node configuration for the review
// ledger. A single YAML file describes the node, its oracle, and the
// disclosure policy; command-line flags may override individual fields.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/mundrapranay/umbra-ledger/internal/noise"
)

// OracleModeEmbedded runs the homomorphic oracle inside the server
// process; OracleModeRemote talks to a standalone oracle over HTTP.
const (
	OracleModeEmbedded = "embedded"
	OracleModeRemote   = "remote"
)

// Config represents the full configuration of one ledger node
type Config struct {
	Node NodeConfig `yaml:"node" json:"node"`

	Oracle OracleConfig `yaml:"oracle" json:"oracle"`

	Disclosure DisclosureConfig `yaml:"disclosure" json:"disclosure"`
}

// NodeConfig identifies the node and its listeners
type NodeConfig struct {
	// Unique node identifier within the cluster
	ID string `yaml:"id" json:"id"`

	// Raft bind address (host:port)
	RaftAddr string `yaml:"raft_addr" json:"raft_addr"`

	// HTTP API bind address (host:port)
	HTTPAddr string `yaml:"http_addr" json:"http_addr"`

	// Directory for raft logs, stable store, and snapshots
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Bootstrap a new single-node cluster
	Bootstrap bool `yaml:"bootstrap" json:"bootstrap"`

	// Caller name that may take the admin role on first assignment
	Admin string `yaml:"admin" json:"admin"`

	// Directory for the blob store; empty disables it
	BlobDir string `yaml:"blob_dir" json:"blob_dir"`

	// Log level: trace, debug, info, warn, error
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// OracleConfig selects and parameterizes the homomorphic oracle
type OracleConfig struct {
	// Mode: "embedded" or "remote"
	Mode string `yaml:"mode" json:"mode"`

	// Remote oracle base URL (remote mode only)
	Addr string `yaml:"addr" json:"addr"`

	// Paillier modulus size in bits (embedded mode only)
	KeyBits int `yaml:"key_bits" json:"key_bits"`

	// Shared secret for decryption proofs (hex or raw string)
	ProofKey string `yaml:"proof_key" json:"proof_key"`

	// Callback base URL the oracle posts decryptions to (remote mode only)
	CallbackAddr string `yaml:"callback_addr" json:"callback_addr"`
}

// DisclosureConfig sets the noise policy for published aggregates
type DisclosureConfig struct {
	// Mechanism name: "none", "laplace", or "geometric"
	Mechanism string `yaml:"mechanism" json:"mechanism"`

	// Privacy budget for the mechanism (ignored by "none")
	Epsilon float64 `yaml:"epsilon" json:"epsilon"`
}

// Default returns a configuration with development defaults. The proof
// key is left empty and must be supplied by file or flag.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "node1",
			RaftAddr: "127.0.0.1:7000",
			HTTPAddr: "127.0.0.1:8080",
			DataDir:  "./umbra-data",
			LogLevel: "info",
		},
		Oracle: OracleConfig{
			Mode:    OracleModeEmbedded,
			KeyBits: 2048,
		},
		Disclosure: DisclosureConfig{
			Mechanism: noise.MechanismNone,
		},
	}
}

// Load loads node configuration from a YAML file
func Load(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Save saves node configuration to a YAML file
func Save(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filePath, data, 0644)
}

// Validate checks the configuration for completeness
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.RaftAddr == "" {
		return fmt.Errorf("node.raft_addr is required")
	}
	if c.Node.HTTPAddr == "" {
		return fmt.Errorf("node.http_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.LogLevel != "" && hclog.LevelFromString(c.Node.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("node.log_level %q is not a valid level", c.Node.LogLevel)
	}

	switch c.Oracle.Mode {
	case OracleModeEmbedded:
		if c.Oracle.KeyBits < 1024 {
			return fmt.Errorf("oracle.key_bits must be >= 1024, got: %d", c.Oracle.KeyBits)
		}
	case OracleModeRemote:
		if c.Oracle.Addr == "" {
			return fmt.Errorf("oracle.addr is required in remote mode")
		}
	default:
		return fmt.Errorf("oracle.mode must be 'embedded' or 'remote', got: %s", c.Oracle.Mode)
	}
	if c.Oracle.ProofKey == "" {
		return fmt.Errorf("oracle.proof_key is required")
	}

	// Building the mechanism validates both the name and the budget.
	if _, err := noise.New(c.Disclosure.Mechanism, c.Disclosure.Epsilon); err != nil {
		return fmt.Errorf("disclosure: %w", err)
	}

	return nil
}

// LogLevel returns the configured hclog level, defaulting to info.
func (c *Config) LogLevel() hclog.Level {
	if c.Node.LogLevel == "" {
		return hclog.Info
	}
	return hclog.LevelFromString(c.Node.LogLevel)
}
