package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/moltbunker/uplink/internal/client"
	"github.com/moltbunker/uplink/internal/config"
	"github.com/moltbunker/uplink/internal/execution"
	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/pkg/types"
)

func NewConnectCmd() *cobra.Command {
	var descriptorFile, docsDir string
	var noReconnect bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the relay and offer local tools",
		Long: `Connect to the relay and stay connected.

Publishes the tool descriptors of the descriptor file, serves documentation
from the docs directory and runs the configured tool commands when another
client requests an execution. The descriptor file is watched and republished
on change. Lost connections are re-established according to client.reconnect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if descriptorFile != "" {
				cfg.Client.DescriptorFile = descriptorFile
			}
			if docsDir != "" {
				cfg.Client.DocsDir = docsDir
			}
			if noReconnect {
				cfg.Client.Reconnect.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := newConnector(cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return c.run(ctx)
		},
	}

	cmd.Flags().StringVar(&descriptorFile, "descriptors", "", "Tool descriptor file (overrides client.descriptor_file)")
	cmd.Flags().StringVar(&docsDir, "docs", "", "Documentation directory (overrides client.docs_dir)")
	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "Exit when the connection is lost")

	return cmd
}

// connector keeps one long-lived client connection and serves the local
// tools and documentation through it
type connector struct {
	client.NopEventHandler

	cfg *config.Config
	out io.Writer

	mu          sync.Mutex
	descriptors *DescriptorFile
	current     *client.Session
	published   []types.ToolDescriptorListUpdate
}

func newConnector(cfg *config.Config, out io.Writer) (*connector, error) {
	c := &connector{cfg: cfg, out: out}
	if path := cfg.Client.DescriptorFile; path != "" {
		f, err := LoadDescriptorFile(path)
		if err != nil {
			return nil, err
		}
		c.descriptors = f
	}
	if dir := cfg.Client.WorkDir; dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
	}
	return c, nil
}

func (c *connector) run(ctx context.Context) error {
	if path := c.cfg.Client.DescriptorFile; path != "" {
		if err := watchFile(ctx, path, c.reloadDescriptors); err != nil {
			logging.Warn("descriptor file will not be reloaded", logging.Err(err), logging.Component("cli"))
		}
	}

	reconnect := c.cfg.Client.Reconnect
	attempt := 0
	for {
		activated, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var refused *protocol.RefusedError
		if errors.As(err, &refused) && !refused.Type.ReasonableToRetry() {
			return err
		}
		if !reconnect.Enabled {
			return err
		}
		if activated {
			attempt = 0
		}
		attempt++
		if reconnect.MaxAttempts > 0 && attempt > reconnect.MaxAttempts {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", reconnect.MaxAttempts, err)
		}

		delay := reconnect.ReconnectDelay(attempt)
		if err != nil {
			fmt.Fprintf(c.out, "%s %v\n", styled(StyleWarning, "connection lost:"), err)
		}
		fmt.Fprintln(c.out, styled(StyleMuted, fmt.Sprintf("reconnecting in %s (attempt %d)", delay, attempt)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connectOnce runs one session until it ends or ctx is done. activated
// reports whether the session got past the handshake.
func (c *connector) connectOnce(ctx context.Context) (activated bool, err error) {
	sessionCfg, err := sessionConfig(c.cfg, c.cfg.Client.Qualifier)
	if err != nil {
		return false, err
	}
	stream, err := dialRelay(ctx, c.cfg.Client)
	if err != nil {
		return false, err
	}
	s := client.New(stream, c, sessionCfg)
	done := make(chan bool, 1)
	go func() { done <- s.RunSession() }()

	if err := s.WaitForSessionInitCompletion(2 * s.Settings().HandshakeResponseTimeout); err != nil {
		s.InitiateCleanShutdownIfRunning()
		<-done
		if sessionErr := s.Err(); sessionErr != nil {
			return false, sessionErr
		}
		return false, err
	}

	c.mu.Lock()
	c.current = s
	c.published = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.published = nil
		c.mu.Unlock()
	}()

	fmt.Fprintf(c.out, "%s connected to %s as %s\n",
		styled(StyleSuccess, "✓"), c.cfg.Client.RelayURL, styled(StyleHeader, s.DestinationIDPrefix()))
	c.publish(ctx)

	select {
	case <-ctx.Done():
		s.InitiateCleanShutdownIfRunning()
		<-done
		return true, nil
	case clean := <-done:
		if clean {
			return true, errors.New("the relay closed the connection")
		}
		return true, s.Err()
	}
}

func (c *connector) reloadDescriptors() {
	f, err := LoadDescriptorFile(c.cfg.Client.DescriptorFile)
	if err != nil {
		logging.Warn("descriptor file not reloaded", logging.Err(err), logging.Component("cli"))
		return
	}
	c.mu.Lock()
	c.descriptors = f
	c.mu.Unlock()
	logging.Info("descriptor file reloaded", "destinations", len(f.Destinations), logging.Component("cli"))
	c.publish(context.Background())
}

// publish sends the current descriptor lists, and withdraws destinations
// that disappeared since the last publication
func (c *connector) publish(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.descriptors == nil {
		return
	}
	updates, err := c.descriptors.Updates(c.current.DestinationIDPrefix())
	if err != nil {
		logging.Warn("cannot publish tools", logging.Err(err), logging.Component("cli"))
		return
	}
	for _, u := range append(withdrawals(c.published, updates), updates...) {
		if err := c.current.PublishToolDescriptorListUpdate(ctx, u); err != nil {
			logging.Warn("failed to publish tool descriptors",
				logging.Destination(u.DestinationID), logging.Err(err), logging.Component("cli"))
			return
		}
	}
	c.published = updates
	logging.Info("published tool descriptors", "destinations", len(updates), logging.Component("cli"))
}

// publishedTool looks up a tool among the descriptor lists of the current session
func (c *connector) publishedTool(destinationID, toolID, toolVersion string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.published {
		if u.DestinationID != destinationID {
			continue
		}
		for _, d := range u.ToolDescriptors {
			if d.ToolID == toolID && (toolVersion == "" || d.ToolVersion == toolVersion) {
				return true
			}
		}
	}
	return false
}

func (c *connector) OnFatalErrorMessage(errorType protocol.ErrorType, message string) {
	fmt.Fprintf(c.out, "%s %s (%s)\n", styled(StyleError, "✗"), message, errorType)
}

func (c *connector) SetUpToolExecutionProvider(request types.ToolExecutionRequest) (execution.Provider, error) {
	command, ok := c.cfg.Client.Tools[request.ToolID]
	if !ok || !c.publishedTool(request.DestinationID, request.ToolID, request.ToolVersion) {
		return nil, client.ErrToolNotAvailable
	}
	fmt.Fprintf(c.out, "%s running %s %s\n", styled(StyleAccent, "→"), request.ToolID, request.ToolVersion)
	return execution.NewCommandProvider(request, command, c.cfg.Client.WorkDir)
}

// ProvideToolDocumentationData serves <docs_dir>/<docReferenceID>
func (c *connector) ProvideToolDocumentationData(destinationID, docReferenceID string) (*transfer.SizeValidatedDataSource, error) {
	return openDocumentation(c.cfg.Client.DocsDir, docReferenceID)
}

// openDocumentation opens a documentation file below dir; unknown or
// escaping references yield no data
func openDocumentation(dir, docReferenceID string) (*transfer.SizeValidatedDataSource, error) {
	if dir == "" || !filepath.IsLocal(filepath.FromSlash(docReferenceID)) {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(docReferenceID)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, err
	}
	logging.Info("serving documentation",
		"doc", docReferenceID,
		"size", humanize.Bytes(uint64(info.Size())),
		logging.Component("cli"))
	return transfer.NewStreamedDataSource(info.Size(), f), nil
}
