package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models reclaim.yml.
type Config struct {
	Network struct {
		Name      string `yaml:"name" json:"name"`
		ChainID   int64  `yaml:"chain_id" json:"chain_id"`
		RPCURL    string `yaml:"rpc_url" json:"rpc_url,omitempty"`
		Contracts struct {
			Registry string `yaml:"registry" json:"registry"`
			Escrow   string `yaml:"escrow" json:"escrow"`
			Dispute  string `yaml:"dispute" json:"dispute"`
		} `yaml:"contracts" json:"contracts"`
	} `yaml:"network" json:"network"`
	Settlement Settlement `yaml:"settlement" json:"settlement"`
	Disputes   struct {
		Arbiters []string `yaml:"arbiters" json:"arbiters"`
	} `yaml:"disputes" json:"disputes"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	Notify   struct {
		Redis RedisConfig `yaml:"redis" json:"redis"`
	} `yaml:"notify" json:"notify"`
	Server struct {
		JWTSecret        string  `yaml:"jwt_secret" json:"-"`
		AllowActorHeader bool    `yaml:"allow_actor_header" json:"allow_actor_header"`
		RateLimitRPS     float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
		RateLimitBurst   int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	} `yaml:"server" json:"server"`
}

// Settlement tunes ledger calls and the retry schedule for outstanding steps.
type Settlement struct {
	CallTimeout  Duration `yaml:"call_timeout" json:"call_timeout"`
	RetryBase    Duration `yaml:"retry_base" json:"retry_base"`
	RetryMax     Duration `yaml:"retry_max" json:"retry_max"`
	RetryJitter  Duration `yaml:"retry_jitter" json:"retry_jitter"`
	MaxAttempts  int      `yaml:"max_attempts" json:"max_attempts"`
	Workers      int      `yaml:"workers" json:"workers"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr,omitempty"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel,omitempty"`
}

// Duration is a time.Duration that reads "5s" style values from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with reclaim config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Network.Name == "" {
		return fmt.Errorf("config.network.name is required")
	}
	if c.Network.ChainID <= 0 {
		return fmt.Errorf("config.network.chain_id must be positive")
	}
	contracts := map[string]string{
		"registry": c.Network.Contracts.Registry,
		"escrow":   c.Network.Contracts.Escrow,
		"dispute":  c.Network.Contracts.Dispute,
	}
	for name, addr := range contracts {
		if !IsAddress(addr) {
			return fmt.Errorf("config.network.contracts.%s must be a 0x-prefixed 20-byte address", name)
		}
	}
	s := c.Settlement
	if s.CallTimeout <= 0 {
		return fmt.Errorf("config.settlement.call_timeout must be positive")
	}
	if s.RetryBase <= 0 || s.RetryMax < s.RetryBase {
		return fmt.Errorf("config.settlement.retry_base must be positive and not above retry_max")
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("config.settlement.max_attempts must be at least 1")
	}
	if s.Workers < 1 {
		return fmt.Errorf("config.settlement.workers must be at least 1")
	}
	for _, a := range c.Disputes.Arbiters {
		if !IsAddress(a) {
			return fmt.Errorf("arbiter %q is not an address", a)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("config.server rate limits must not be negative")
	}
	return nil
}

// IsAddress checks the 0x + 40 hex shape of a ledger address.
func IsAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reclaim.yml")
}

// GenerateDefault returns default config YAML for a known network.
func GenerateDefault(network string) (string, error) {
	preset, ok := networks[network]
	if !ok {
		return "", fmt.Errorf("unknown network %s", network)
	}
	return fmt.Sprintf(defaultTemplate, network, preset.chainID, preset.rpcURL), nil
}

// Default returns the default Config struct for a network, falling back to localnet.
func Default(network string) *Config {
	if _, ok := networks[network]; !ok {
		network = "localnet"
	}
	raw, _ := GenerateDefault(network)
	var cfg Config
	_ = yaml.Unmarshal([]byte(raw), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type networkPreset struct {
	chainID int64
	rpcURL  string
}

var networks = map[string]networkPreset{
	"localnet": {chainID: 31337, rpcURL: "http://127.0.0.1:8545"},
	"sepolia":  {chainID: 11155111, rpcURL: "https://eth-sepolia.g.alchemy.com/v2/${ALCHEMY_KEY}"},
	"polygon":  {chainID: 137, rpcURL: "https://polygon-mainnet.g.alchemy.com/v2/${ALCHEMY_KEY}"},
}

const defaultTemplate = `network:
  name: %s
  chain_id: %d
  rpc_url: %s
  contracts:
    registry: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    escrow: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
    dispute: "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"

settlement:
  call_timeout: 15s
  retry_base: 2s
  retry_max: 5m
  retry_jitter: 1s
  max_attempts: 12
  workers: 4
  poll_interval: 10s

disputes:
  arbiters: []

notify:
  redis:
    channel: reclaim.events

server:
  allow_actor_header: false
  rate_limit_rps: 20
  rate_limit_burst: 40
`
