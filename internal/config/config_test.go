package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/moltbunker/uplink/internal/protocol"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if cfg.Protocol.HandshakeResponseTimeoutMs != 10000 {
		t.Errorf("expected handshake timeout 10000ms, got %d", cfg.Protocol.HandshakeResponseTimeoutMs)
	}
	if cfg.Protocol.QueueDepths.Control != 4 {
		t.Errorf("expected control queue depth 4, got %d", cfg.Protocol.QueueDepths.Control)
	}
	if cfg.Relay.DestinationLookupAttempts != 5 {
		t.Errorf("expected 5 destination lookup attempts, got %d", cfg.Relay.DestinationLookupAttempts)
	}
	if cfg.Relay.WebSocketPath != "/uplink" {
		t.Errorf("expected websocket path /uplink, got %s", cfg.Relay.WebSocketPath)
	}
	if cfg.Client.Qualifier != "default" {
		t.Errorf("expected qualifier 'default', got %s", cfg.Client.Qualifier)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected log format 'text', got %s", cfg.Log.Format)
	}
}

func TestSettingsMatchBuiltin(t *testing.T) {
	settings, err := DefaultConfig().Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if settings != protocol.BuiltinSettings() {
		t.Errorf("default config settings differ from builtin: %+v", settings)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Relay.TCPAddress != DefaultConfig().Relay.TCPAddress {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
protocol:
  handshake_response_timeout_ms: 2500
  queue_depths:
    forwarding: 8
relay:
  tcp_address: "0.0.0.0:9000"
  inbound_rate: 200
  inbound_burst: 50
client:
  relay_url: "ws://relay.example:8080/uplink"
  login: alice
  tools:
    compile: ["make", "all"]
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	settings, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if settings.HandshakeResponseTimeout != 2500*time.Millisecond {
		t.Errorf("expected 2.5s handshake timeout, got %v", settings.HandshakeResponseTimeout)
	}
	if settings.QueueDepth(protocol.PriorityForwarding) != 8 {
		t.Errorf("expected forwarding depth 8, got %d", settings.QueueDepth(protocol.PriorityForwarding))
	}
	// untouched fields keep their defaults
	if settings.QueueDepth(protocol.PriorityDefault) != 32 {
		t.Errorf("expected default depth 32, got %d", settings.QueueDepth(protocol.PriorityDefault))
	}

	opts, err := cfg.RelayOptions(nil)
	if err != nil {
		t.Fatalf("RelayOptions failed: %v", err)
	}
	if opts.InboundRate != 200 || opts.InboundBurst != 50 {
		t.Errorf("unexpected inbound limit %v/%d", opts.InboundRate, opts.InboundBurst)
	}
	if opts.DestinationLookupInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms lookup interval, got %v", opts.DestinationLookupInterval)
	}

	scheme, address, err := cfg.Client.Endpoint()
	if err != nil {
		t.Fatalf("Endpoint failed: %v", err)
	}
	if scheme != "ws" || address != "ws://relay.example:8080/uplink" {
		t.Errorf("unexpected endpoint %s %s", scheme, address)
	}
	if got := cfg.Client.Tools["compile"]; len(got) != 2 || got[0] != "make" {
		t.Errorf("unexpected tool command %v", got)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("relay: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveAndLoad(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Relay.WebSocketAddress = "127.0.0.1:0"
	cfg.Relay.Accounts = map[string]string{"alice": string(hash)}
	cfg.Client.Password = "s3cret"

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	server, err := loaded.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if server.Accounts == nil || server.Accounts.Len() != 1 {
		t.Fatal("expected one account")
	}
	if _, ok := server.Accounts.Authenticate("alice", "s3cret"); !ok {
		t.Error("saved account should authenticate")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero handshake timeout", func(c *Config) { c.Protocol.HandshakeResponseTimeoutMs = 0 }, "protocol"},
		{"zero queue depth", func(c *Config) { c.Protocol.QueueDepths.Control = 0 }, "protocol"},
		{"tcp without login", func(c *Config) { c.Relay.TCPLogin = "" }, "tcp_login"},
		{"websocket without accounts", func(c *Config) { c.Relay.WebSocketAddress = ":8080" }, "account"},
		{"plaintext account", func(c *Config) { c.Relay.Accounts = map[string]string{"alice": "secret"} }, "relay"},
		{"no lookup attempts", func(c *Config) { c.Relay.DestinationLookupAttempts = 0 }, "destination_lookup_attempts"},
		{"bad relay url", func(c *Config) { c.Client.RelayURL = "http://relay" }, "unsupported scheme"},
		{"relay url without host", func(c *Config) { c.Client.RelayURL = "tcp://" }, "no host"},
		{"empty tool command", func(c *Config) { c.Client.Tools = map[string][]string{"x": {}} }, "empty command"},
		{"bad reconnect", func(c *Config) { c.Client.Reconnect.Multiplier = 0.5 }, "reconnect"},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, "metrics"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		url         string
		wantScheme  string
		wantAddress string
	}{
		{"tcp://127.0.0.1:7301", "tcp", "127.0.0.1:7301"},
		{"ws://relay:80/uplink", "ws", "ws://relay:80/uplink"},
		{"wss://relay/uplink", "ws", "wss://relay/uplink"},
	}
	for _, tt := range tests {
		scheme, address, err := ClientConfig{RelayURL: tt.url}.Endpoint()
		if err != nil {
			t.Errorf("%s: %v", tt.url, err)
			continue
		}
		if scheme != tt.wantScheme || address != tt.wantAddress {
			t.Errorf("%s: got %s %s", tt.url, scheme, address)
		}
	}
}

func TestResolvePassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(path, []byte("from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := ClientConfig{PasswordFile: path}.ResolvePassword()
	if err != nil || got != "from-file" {
		t.Errorf("expected password from file, got %q (%v)", got, err)
	}
	got, err = ClientConfig{Password: "inline", PasswordFile: path}.ResolvePassword()
	if err != nil || got != "inline" {
		t.Errorf("inline password should win, got %q (%v)", got, err)
	}
	if _, err := (ClientConfig{PasswordFile: path + ".missing"}).ResolvePassword(); err == nil {
		t.Error("expected error for missing password file")
	}
}

func TestReconnectDelay(t *testing.T) {
	r := ReconnectConfig{Enabled: true, InitialDelayMs: 100, MaxDelayMs: 1000, Multiplier: 2}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := r.ReconnectDelay(i + 1); got != w*time.Millisecond {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w*time.Millisecond, got)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/docs"); got != filepath.Join(home, "docs") {
		t.Errorf("unexpected expansion %s", got)
	}
	if got := expandPath("/abs/docs"); got != "/abs/docs" {
		t.Errorf("absolute path changed: %s", got)
	}
}
