package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/uplink/internal/execution"
	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/pkg/types"
)

func NewExecCmd() *cobra.Command {
	var (
		toolVersion string
		authGroup   string
		inputDir    string
		outputDir   string
		properties  []string
	)

	cmd := &cobra.Command{
		Use:   "exec <destination-id> <tool-id>",
		Short: "Run a tool offered by another client",
		Long: `Run a tool offered by another client.

The input directory is uploaded before the tool starts, tool output lines are
printed as they arrive and the output directory of the tool is downloaded
after it finished. Interrupt once to request cancellation.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := parseProperties(properties)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if inputDir == "" {
				empty, err := os.MkdirTemp("", "uplink-input-*")
				if err != nil {
					return err
				}
				defer os.RemoveAll(empty)
				inputDir = empty
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			s, err := openSession(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer s.close()

			handler := newExecPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), inputDir, outputDir)
			handle, err := s.InitiateToolExecution(cmd.Context(), execution.ClientSideSetup{
				DestinationID: args[0],
				ToolID:        args[1],
				ToolVersion:   toolVersion,
				AuthGroupID:   authGroup,
				Properties:    props,
			}, handler)
			if err != nil {
				return err
			}

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupts)
			return handler.wait(cmd.Context(), interrupts, handle)
		},
	}

	cmd.Flags().StringVar(&toolVersion, "version", "", "Tool version")
	cmd.Flags().StringVar(&authGroup, "auth-group", "public", "Authorization group to run the tool under")
	cmd.Flags().StringVarP(&inputDir, "input", "i", "", "Directory uploaded as tool input")
	cmd.Flags().StringVar(&outputDir, "output", ".", "Directory receiving the tool output")
	cmd.Flags().StringArrayVarP(&properties, "prop", "p", nil, "Tool property key=value (repeatable)")

	return cmd
}

func parseProperties(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q, expected key=value", pair)
		}
		props[key] = value
	}
	return props, nil
}

// execPrinter prints the progress of one execution and records its outcome
type execPrinter struct {
	out, errOut io.Writer
	inputDir    string
	outputDir   string

	mu       sync.Mutex
	result   *types.ToolExecutionResult
	failure  string
	finished chan struct{}
}

func newExecPrinter(out, errOut io.Writer, inputDir, outputDir string) *execPrinter {
	return &execPrinter{
		out:       out,
		errOut:    errOut,
		inputDir:  inputDir,
		outputDir: outputDir,
		finished:  make(chan struct{}),
	}
}

func (p *execPrinter) OnInputUploadsStarting() {
	fmt.Fprintln(p.errOut, styled(StyleMuted, "uploading input from "+p.inputDir))
}

func (p *execPrinter) InputDirectoryProvider() transfer.DirectoryUploadProvider {
	return transfer.LocalDirectoryUploadProvider{Root: p.inputDir}
}

func (p *execPrinter) OnInputUploadsFinished() {}

func (p *execPrinter) OnExecutionStarting() {
	fmt.Fprintln(p.errOut, styled(StyleMuted, "tool started"))
}

func (p *execPrinter) ProcessToolExecutionEvent(eventType, data string) {
	switch eventType {
	case types.ExecutionEventStderr:
		fmt.Fprintln(p.errOut, data)
	case types.ExecutionEventStdout:
		fmt.Fprintln(p.out, data)
	default:
		fmt.Fprintln(p.errOut, styled(StyleMuted, "["+eventType+"] "+data))
	}
}

func (p *execPrinter) OnExecutionFinished(result types.ToolExecutionResult) {
	p.mu.Lock()
	p.result = &result
	p.mu.Unlock()

	status := "success"
	switch {
	case result.Cancelled:
		status = "cancelled"
	case !result.Successful:
		status = "failed"
	}
	line := ResultBadge(status)
	if result.Message != "" {
		line += " " + result.Message
	}
	fmt.Fprintln(p.errOut, line)
}

func (p *execPrinter) OnOutputDownloadsStarting() {
	fmt.Fprintln(p.errOut, styled(StyleMuted, "downloading output to "+p.outputDir))
}

func (p *execPrinter) OutputDirectoryReceiver() transfer.DirectoryDownloadReceiver {
	return transfer.LocalDirectoryDownloadReceiver{Root: p.outputDir}
}

func (p *execPrinter) OnOutputDownloadsFinished() {}

func (p *execPrinter) OnError(message string) {
	p.mu.Lock()
	p.failure = message
	p.mu.Unlock()
	fmt.Fprintf(p.errOut, "%s %s\n", styled(StyleError, "✗"), message)
}

func (p *execPrinter) OnContextClosing() {
	close(p.finished)
}

// wait blocks until the execution context closes. The first interrupt
// requests cancellation, ctx ending abandons the execution.
func (p *execPrinter) wait(ctx context.Context, interrupts <-chan os.Signal, handle execution.Handle) error {
	for {
		select {
		case <-p.finished:
			return p.outcome()
		case <-interrupts:
			fmt.Fprintln(p.errOut, styled(StyleWarning, "requesting cancellation"))
			handle.RequestCancel()
			interrupts = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *execPrinter) outcome() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.failure != "":
		return errors.New(p.failure)
	case p.result == nil:
		return errors.New("execution ended without a result")
	case p.result.Cancelled:
		return errors.New("execution cancelled")
	case !p.result.Successful:
		return errors.New("execution failed")
	}
	return nil
}
