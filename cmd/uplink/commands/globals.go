package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/moltbunker/uplink/internal/client"
	"github.com/moltbunker/uplink/internal/config"
	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/transport"
	"github.com/moltbunker/uplink/internal/util"
)

// Global CLI flags
var (
	// ConfigPath is the path of the YAML configuration file
	ConfigPath string

	// Qualifier overrides client.qualifier from the configuration
	Qualifier string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string
)

// loadConfig reads the configuration, applies the logging section and checks
// the protocol section
func loadConfig() (*config.Config, error) {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if Qualifier != "" {
		cfg.Client.Qualifier = Qualifier
	}
	if err := logging.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	logging.EnableRedaction()
	if _, err := cfg.Settings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sessionConfig builds the client session configuration from cfg
func sessionConfig(cfg *config.Config, qualifier string) (client.Config, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{Qualifier: qualifier, Settings: settings}, nil
}

// oneShotQualifier keeps short-lived CLI sessions out of the namespace of a
// running "uplink connect"
func oneShotQualifier() string {
	if Qualifier != "" {
		return Qualifier
	}
	return "c" + strconv.Itoa(os.Getpid())
}

// dialRelay opens a stream to the configured relay
func dialRelay(ctx context.Context, cfg config.ClientConfig) (transport.Stream, error) {
	scheme, address, err := cfg.Endpoint()
	if err != nil {
		return nil, util.MarkNonRetryable(err)
	}
	timeout := time.Duration(cfg.DialTimeoutSecs) * time.Second
	switch scheme {
	case "ws":
		password, err := cfg.ResolvePassword()
		if err != nil {
			return nil, util.MarkNonRetryable(err)
		}
		return transport.DialWebSocket(ctx, address, cfg.Login, password, timeout)
	default:
		return transport.DialTCP(ctx, address, timeout)
	}
}

// dialWithRetry retries the dial a few times before giving up
func dialWithRetry(ctx context.Context, cfg config.ClientConfig) (transport.Stream, error) {
	retry := util.DefaultRetryConfig()
	stream, result := util.RetryWithValue(ctx, retry, func() (transport.Stream, error) {
		return dialRelay(ctx, cfg)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.RelayURL, result.LastError)
	}
	return stream, nil
}

// oneShotSession is a short-lived client session used by tools, docs and exec
type oneShotSession struct {
	*client.Session
	done chan bool
}

// openSession dials the relay, runs a session in the background and waits
// until it is active
func openSession(ctx context.Context, cfg *config.Config, handler client.EventHandler) (*oneShotSession, error) {
	sessionCfg, err := sessionConfig(cfg, oneShotQualifier())
	if err != nil {
		return nil, err
	}
	stream, err := dialWithRetry(ctx, cfg.Client)
	if err != nil {
		return nil, err
	}
	s := client.New(stream, handler, sessionCfg)
	o := &oneShotSession{Session: s, done: make(chan bool, 1)}
	util.SafeGoWithName("uplink-session", func() { o.done <- s.RunSession() })

	timeout := 2 * s.Settings().HandshakeResponseTimeout
	if err := s.WaitForSessionInitCompletion(timeout); err != nil {
		s.InitiateCleanShutdownIfRunning()
		<-o.done
		if sessionErr := s.Err(); sessionErr != nil {
			return nil, sessionErr
		}
		return nil, err
	}
	return o, nil
}

// close shuts the session down and waits for it to end
func (o *oneShotSession) close() {
	o.InitiateCleanShutdownIfRunning()
	<-o.done
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
