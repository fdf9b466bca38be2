package execution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/pkg/types"
)

// Environment variables passed to tool commands
const (
	EnvInputDir    = "UPLINK_INPUT_DIR"
	EnvOutputDir   = "UPLINK_OUTPUT_DIR"
	EnvToolID      = "UPLINK_TOOL_ID"
	EnvToolVersion = "UPLINK_TOOL_VERSION"
	// EnvPropertyPrefix is followed by the upper-cased property key
	EnvPropertyPrefix = "UPLINK_PROP_"
)

// CommandProvider runs a local command as a tool. The input section is
// written to <work>/input, the command runs with that directory as working
// directory, and everything it leaves in <work>/output is sent back.
type CommandProvider struct {
	request   types.ToolExecutionRequest
	command   []string
	workDir   string
	inputDir  string
	outputDir string

	mu        sync.Mutex
	cancelRun context.CancelFunc
	cancelled atomic.Bool
}

// NewCommandProvider prepares a work directory below baseDir (the system
// temp dir if empty) for one execution of command
func NewCommandProvider(request types.ToolExecutionRequest, command []string, baseDir string) (*CommandProvider, error) {
	if len(command) == 0 {
		return nil, errors.New("empty tool command")
	}
	workDir, err := os.MkdirTemp(baseDir, "uplink-exec-*")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	p := &CommandProvider{
		request:   request,
		command:   command,
		workDir:   workDir,
		inputDir:  filepath.Join(workDir, "input"),
		outputDir: filepath.Join(workDir, "output"),
	}
	for _, dir := range []string{p.inputDir, p.outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(workDir)
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return p, nil
}

// WorkDir returns the directory holding input and output of this execution
func (p *CommandProvider) WorkDir() string {
	return p.workDir
}

func (p *CommandProvider) InputDirectoryReceiver() transfer.DirectoryDownloadReceiver {
	return transfer.LocalDirectoryDownloadReceiver{Root: p.inputDir}
}

func (p *CommandProvider) OutputDirectoryProvider() transfer.DirectoryUploadProvider {
	return transfer.LocalDirectoryUploadProvider{Root: p.outputDir}
}

// Execute runs the command and forwards each line it prints as an event
func (p *CommandProvider) Execute(ctx context.Context, events EventCollector) (types.ToolExecutionResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancelRun = cancel
	p.mu.Unlock()
	if p.cancelled.Load() {
		cancel()
	}

	cmd := exec.CommandContext(runCtx, p.command[0], p.command[1:]...)
	cmd.Dir = p.inputDir
	cmd.Env = append(os.Environ(), p.environment()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return types.ToolExecutionResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return types.ToolExecutionResult{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return types.ToolExecutionResult{}, fmt.Errorf("start %s: %w", p.command[0], err)
	}
	logging.Info("tool command started",
		"tool", p.request.ToolID,
		"version", p.request.ToolVersion,
		"pid", cmd.Process.Pid,
		logging.Component("execution"))

	var wg sync.WaitGroup
	wg.Add(2)
	go forwardLines(&wg, stdout, types.ExecutionEventStdout, events)
	go forwardLines(&wg, stderr, types.ExecutionEventStderr, events)
	wg.Wait()
	waitErr := cmd.Wait()

	if p.cancelled.Load() {
		return types.ToolExecutionResult{Cancelled: true, Message: "cancelled on request"}, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return types.ToolExecutionResult{Message: exitErr.Error()}, nil
		}
		return types.ToolExecutionResult{}, fmt.Errorf("run %s: %w", p.command[0], waitErr)
	}
	return types.ToolExecutionResult{Successful: true}, nil
}

func forwardLines(wg *sync.WaitGroup, r io.Reader, eventType string, events EventCollector) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		events.SubmitEvent(eventType, scanner.Text())
	}
}

func (p *CommandProvider) environment() []string {
	env := []string{
		EnvInputDir + "=" + p.inputDir,
		EnvOutputDir + "=" + p.outputDir,
		EnvToolID + "=" + p.request.ToolID,
		EnvToolVersion + "=" + p.request.ToolVersion,
	}
	keys := make([]string, 0, len(p.request.Properties))
	for k := range p.request.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
				return r
			}
			return '_'
		}, k))
		env = append(env, EnvPropertyPrefix+name+"="+p.request.Properties[k])
	}
	return env
}

// RequestCancel kills the running command
func (p *CommandProvider) RequestCancel() {
	if !p.cancelled.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OnContextClosing removes the work directory
func (p *CommandProvider) OnContextClosing() {
	if err := os.RemoveAll(p.workDir); err != nil {
		logging.Warn("could not remove work directory",
			"dir", p.workDir,
			logging.Err(err),
			logging.Component("execution"))
	}
}
