package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/relay"
)

// Config represents the complete relay and client configuration
type Config struct {
	Protocol ProtocolConfig `yaml:"protocol"`
	Relay    RelayConfig    `yaml:"relay"`
	Client   ClientConfig   `yaml:"client"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ProtocolConfig contains the session parameters shared by relay and client
type ProtocolConfig struct {
	HandshakeResponseTimeoutMs int              `yaml:"handshake_response_timeout_ms"`
	QueueDepths                QueueDepthConfig `yaml:"queue_depths"`
	LowPriorityServiceInterval int              `yaml:"low_priority_service_interval"` // Blocks from higher lanes before a waiting lower lane is served
	IncomingQueueDepth         int              `yaml:"incoming_queue_depth"`
}

// QueueDepthConfig bounds the outbound queue of each priority lane
type QueueDepthConfig struct {
	Control               int `yaml:"control"`
	ChannelInitiation     int `yaml:"channel_initiation"`
	ToolDescriptorUpdates int `yaml:"tool_descriptor_updates"`
	Default               int `yaml:"default"`
	Forwarding            int `yaml:"forwarding"`
}

// RelayConfig contains relay daemon settings
type RelayConfig struct {
	TCPAddress       string `yaml:"tcp_address"` // Empty disables the TCP listener
	TCPLogin         string `yaml:"tcp_login"`   // Account name for TCP connections, which carry no credentials
	WebSocketAddress string `yaml:"websocket_address"`
	WebSocketPath    string `yaml:"websocket_path"`
	MaxConnections   int    `yaml:"max_connections"` // Per listener; 0 means unlimited

	// Inbound rate limit per session in blocks per second; 0 disables it
	InboundRate  float64 `yaml:"inbound_rate"`
	InboundBurst int     `yaml:"inbound_burst"`

	DestinationLookupAttempts   int `yaml:"destination_lookup_attempts"`
	DestinationLookupIntervalMs int `yaml:"destination_lookup_interval_ms"`
	ShutdownTimeoutSecs         int `yaml:"shutdown_timeout_secs"`

	// Accounts maps login names to bcrypt password hashes
	Accounts map[string]string `yaml:"accounts,omitempty"`
}

// ClientConfig contains settings of the uplink client
type ClientConfig struct {
	RelayURL        string `yaml:"relay_url"` // tcp://host:port, ws://host:port/path or wss://...
	Login           string `yaml:"login"`
	Password        string `yaml:"password,omitempty"`
	PasswordFile    string `yaml:"password_file,omitempty"`
	Qualifier       string `yaml:"qualifier"`
	DialTimeoutSecs int    `yaml:"dial_timeout_secs"`

	DescriptorFile string `yaml:"descriptor_file"` // YAML tool descriptor lists published on connect
	DocsDir        string `yaml:"docs_dir"`        // Documentation served by reference id
	WorkDir        string `yaml:"work_dir"`        // Scratch space of local tool executions

	// Tools maps "tool_id" or "tool_id@version" to the command run for it
	Tools map[string][]string `yaml:"tools,omitempty"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls how the client reconnects after a session ended
type ReconnectConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MaxAttempts    int     `yaml:"max_attempts"` // 0 retries forever
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
}

// MetricsConfig contains the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	builtin := protocol.BuiltinSettings()
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Protocol: ProtocolConfig{
			HandshakeResponseTimeoutMs: int(builtin.HandshakeResponseTimeout.Milliseconds()),
			QueueDepths: QueueDepthConfig{
				Control:               builtin.QueueDepth(protocol.PriorityControl),
				ChannelInitiation:     builtin.QueueDepth(protocol.PriorityChannelInitiation),
				ToolDescriptorUpdates: builtin.QueueDepth(protocol.PriorityToolDescriptorUpdates),
				Default:               builtin.QueueDepth(protocol.PriorityDefault),
				Forwarding:            builtin.QueueDepth(protocol.PriorityForwarding),
			},
			LowPriorityServiceInterval: builtin.LowPriorityServiceInterval,
			IncomingQueueDepth:         builtin.IncomingQueueDepth,
		},
		Relay: RelayConfig{
			TCPAddress:                  "127.0.0.1:7301",
			TCPLogin:                    "local",
			WebSocketPath:               "/uplink",
			MaxConnections:              1024,
			DestinationLookupAttempts:   5,
			DestinationLookupIntervalMs: 500,
			ShutdownTimeoutSecs:         10,
		},
		Client: ClientConfig{
			RelayURL:        "tcp://127.0.0.1:7301",
			Qualifier:       protocol.DefaultSessionQualifier,
			DialTimeoutSecs: 10,
			WorkDir:         filepath.Join(homeDir, ".uplink", "work"),
			Reconnect: ReconnectConfig{
				Enabled:        true,
				InitialDelayMs: 1000,
				MaxDelayMs:     30000,
				Multiplier:     2.0,
			},
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9301",
			Path:          "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// accounts and the client password make the file sensitive
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.Settings(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}

	// Relay validation
	if c.Relay.TCPAddress != "" && c.Relay.TCPLogin == "" {
		return errors.New("relay: tcp_login is required when tcp_address is set")
	}
	if c.Relay.WebSocketAddress != "" {
		if len(c.Relay.Accounts) == 0 {
			return errors.New("relay: websocket_address requires at least one account")
		}
		if !strings.HasPrefix(c.Relay.WebSocketPath, "/") {
			return fmt.Errorf("relay: websocket_path must start with '/': %q", c.Relay.WebSocketPath)
		}
	}
	if len(c.Relay.Accounts) > 0 {
		if _, err := relay.NewAccounts(c.Relay.Accounts); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}
	if c.Relay.MaxConnections < 0 {
		return fmt.Errorf("relay: max_connections must not be negative: %d", c.Relay.MaxConnections)
	}
	if c.Relay.InboundRate < 0 || c.Relay.InboundBurst < 0 {
		return errors.New("relay: inbound_rate and inbound_burst must not be negative")
	}
	if c.Relay.DestinationLookupAttempts < 1 {
		return fmt.Errorf("relay: destination_lookup_attempts must be at least 1: %d", c.Relay.DestinationLookupAttempts)
	}
	if c.Relay.DestinationLookupIntervalMs < 0 {
		return fmt.Errorf("relay: destination_lookup_interval_ms must not be negative: %d", c.Relay.DestinationLookupIntervalMs)
	}
	if c.Relay.ShutdownTimeoutSecs < 1 {
		return fmt.Errorf("relay: shutdown_timeout_secs must be at least 1: %d", c.Relay.ShutdownTimeoutSecs)
	}

	// Client validation
	if c.Client.RelayURL != "" {
		if _, _, err := c.Client.Endpoint(); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	}
	if c.Client.DialTimeoutSecs < 1 {
		return fmt.Errorf("client: dial_timeout_secs must be at least 1: %d", c.Client.DialTimeoutSecs)
	}
	for tool, command := range c.Client.Tools {
		if len(command) == 0 || command[0] == "" {
			return fmt.Errorf("client: empty command for tool %q", tool)
		}
	}
	if r := c.Client.Reconnect; r.Enabled {
		if r.MaxAttempts < 0 || r.InitialDelayMs < 1 || r.MaxDelayMs < r.InitialDelayMs || r.Multiplier < 1 {
			return fmt.Errorf("client: invalid reconnect policy %+v", r)
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errors.New("metrics: listen_address is required when metrics are enabled")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}

	return nil
}

// Settings builds the protocol settings sessions are created with
func (c *Config) Settings() (protocol.Settings, error) {
	p := c.Protocol
	s := protocol.BuiltinSettings().
		WithHandshakeResponseTimeout(time.Duration(p.HandshakeResponseTimeoutMs)*time.Millisecond).
		WithQueueDepth(protocol.PriorityControl, p.QueueDepths.Control).
		WithQueueDepth(protocol.PriorityChannelInitiation, p.QueueDepths.ChannelInitiation).
		WithQueueDepth(protocol.PriorityToolDescriptorUpdates, p.QueueDepths.ToolDescriptorUpdates).
		WithQueueDepth(protocol.PriorityDefault, p.QueueDepths.Default).
		WithQueueDepth(protocol.PriorityForwarding, p.QueueDepths.Forwarding)
	s.LowPriorityServiceInterval = p.LowPriorityServiceInterval
	s.IncomingQueueDepth = p.IncomingQueueDepth
	if err := s.Validate(); err != nil {
		return protocol.Settings{}, err
	}
	return s, nil
}

// RelayOptions builds the relay options. metrics may be nil.
func (c *Config) RelayOptions(metrics relay.Metrics) (relay.Options, error) {
	settings, err := c.Settings()
	if err != nil {
		return relay.Options{}, err
	}
	return relay.Options{
		Settings:                  settings,
		DestinationLookupAttempts: c.Relay.DestinationLookupAttempts,
		DestinationLookupInterval: time.Duration(c.Relay.DestinationLookupIntervalMs) * time.Millisecond,
		InboundRate:               c.Relay.InboundRate,
		InboundBurst:              c.Relay.InboundBurst,
		Metrics:                   metrics,
	}, nil
}

// ServerConfig builds the relay listener configuration
func (c *Config) ServerConfig() (relay.ServerConfig, error) {
	var accounts *relay.Accounts
	if len(c.Relay.Accounts) > 0 {
		var err error
		if accounts, err = relay.NewAccounts(c.Relay.Accounts); err != nil {
			return relay.ServerConfig{}, err
		}
	}
	return relay.ServerConfig{
		TCPAddress:       c.Relay.TCPAddress,
		TCPLogin:         c.Relay.TCPLogin,
		WebSocketAddress: c.Relay.WebSocketAddress,
		WebSocketPath:    c.Relay.WebSocketPath,
		MaxConnections:   c.Relay.MaxConnections,
		Accounts:         accounts,
	}, nil
}

// ShutdownTimeout returns how long the relay waits for sessions to end
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Relay.ShutdownTimeoutSecs) * time.Second
}

// Endpoint splits RelayURL into the transport ("tcp" or "ws") and the
// address to dial: host:port for tcp, the full URL for WebSocket
func (c ClientConfig) Endpoint() (scheme, address string, err error) {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid relay_url %q: %w", c.RelayURL, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("relay_url %q has no host", c.RelayURL)
	}
	switch u.Scheme {
	case "tcp":
		return "tcp", u.Host, nil
	case "ws", "wss":
		return "ws", u.String(), nil
	default:
		return "", "", fmt.Errorf("relay_url %q: unsupported scheme %q", c.RelayURL, u.Scheme)
	}
}

// ResolvePassword returns Password, or the trimmed content of PasswordFile
func (c ClientConfig) ResolvePassword() (string, error) {
	if c.Password != "" || c.PasswordFile == "" {
		return c.Password, nil
	}
	data, err := os.ReadFile(c.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReconnectDelay returns the wait before reconnect attempt n (starting at 1)
func (r ReconnectConfig) ReconnectDelay(attempt int) time.Duration {
	delay := float64(r.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		delay *= r.Multiplier
		if delay >= float64(r.MaxDelayMs) {
			delay = float64(r.MaxDelayMs)
			break
		}
	}
	return time.Duration(delay) * time.Millisecond
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Client.PasswordFile = expandPath(c.Client.PasswordFile)
	c.Client.DescriptorFile = expandPath(c.Client.DescriptorFile)
	c.Client.DocsDir = expandPath(c.Client.DocsDir)
	c.Client.WorkDir = expandPath(c.Client.WorkDir)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".uplink", "config.yaml")
}
