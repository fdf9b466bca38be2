package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbunker/uplink/internal/client"
	"github.com/moltbunker/uplink/internal/execution"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/internal/transport"
	"github.com/moltbunker/uplink/pkg/types"
)

const waitTimeout = 10 * time.Second

func testOptions() Options {
	opts := DefaultOptions()
	opts.DestinationLookupAttempts = 2
	opts.DestinationLookupInterval = 50 * time.Millisecond
	return opts
}

type harness struct {
	t     *testing.T
	relay *Relay
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	r := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
	return &harness{t: t, relay: r}
}

type clientOptions struct {
	login         string
	qualifier     string
	events        *recorder
	handshakeData map[string]string
	settings      protocol.Settings
	wrap          func(transport.Stream) transport.Stream
}

type testClient struct {
	*client.Session
	events *recorder
	done   chan bool
	served chan types.SessionState
}

// start connects a client to the relay over an in-memory pipe and runs both
// session ends in the background
func (h *harness) start(o clientOptions) *testClient {
	clientEnd, relayEnd := transport.Pipe()
	if o.wrap != nil {
		clientEnd = o.wrap(clientEnd)
	}
	if o.events == nil {
		o.events = newRecorder()
	}
	c := client.New(clientEnd, o.events, client.Config{
		Qualifier:     o.qualifier,
		HandshakeData: o.handshakeData,
		Settings:      o.settings,
	})
	tc := &testClient{
		Session: c,
		events:  o.events,
		done:    make(chan bool, 1),
		served:  make(chan types.SessionState, 1),
	}
	go func() { tc.served <- h.relay.ServeConnection(relayEnd, o.login) }()
	go func() { tc.done <- c.RunSession() }()
	return tc
}

// connect starts a client and waits until it is active
func (h *harness) connect(login, qualifier string, events *recorder) *testClient {
	h.t.Helper()
	tc := h.start(clientOptions{login: login, qualifier: qualifier, events: events})
	require.NoError(h.t, tc.WaitForSessionInitCompletion(waitTimeout))
	return tc
}

// finish waits for both ends of the session; it does not use t so that it
// can run on helper goroutines
func (tc *testClient) finish() (bool, types.SessionState, error) {
	var clean bool
	select {
	case clean = <-tc.done:
	case <-time.After(waitTimeout):
		return false, 0, errors.New("client session did not end")
	}
	select {
	case state := <-tc.served:
		return clean, state, nil
	case <-time.After(waitTimeout):
		return clean, 0, errors.New("relay session did not end")
	}
}

func (tc *testClient) wait(t *testing.T) (bool, types.SessionState) {
	t.Helper()
	clean, state, err := tc.finish()
	require.NoError(t, err)
	return clean, state
}

func (tc *testClient) stop(t *testing.T) bool {
	t.Helper()
	tc.InitiateCleanShutdownIfRunning()
	clean, _ := tc.wait(t)
	return clean
}

// recorder is a client event handler that records what it is told
type recorder struct {
	client.NopEventHandler

	updates chan types.ToolDescriptorListUpdate

	mu         sync.Mutex
	fatal      []string
	fatalTypes []protocol.ErrorType
	final      []bool
	docs       map[string]func() *transfer.SizeValidatedDataSource
	provider   func(types.ToolExecutionRequest) (execution.Provider, error)
	requests   []types.ToolExecutionRequest
}

func newRecorder() *recorder {
	return &recorder{
		updates: make(chan types.ToolDescriptorListUpdate, 1024),
		docs:    make(map[string]func() *transfer.SizeValidatedDataSource),
	}
}

func (r *recorder) OnFatalErrorMessage(errorType protocol.ErrorType, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = append(r.fatal, message)
	r.fatalTypes = append(r.fatalTypes, errorType)
}

func (r *recorder) OnSessionInFinalState(reasonableToRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = append(r.final, reasonableToRetry)
}

func (r *recorder) ProcessToolDescriptorListUpdate(update types.ToolDescriptorListUpdate) {
	select {
	case r.updates <- update:
	default:
	}
}

func (r *recorder) SetUpToolExecutionProvider(request types.ToolExecutionRequest) (execution.Provider, error) {
	r.mu.Lock()
	r.requests = append(r.requests, request)
	provider := r.provider
	r.mu.Unlock()
	if provider == nil {
		return nil, client.ErrToolNotAvailable
	}
	return provider(request)
}

func (r *recorder) ProvideToolDocumentationData(_, docReferenceID string) (*transfer.SizeValidatedDataSource, error) {
	r.mu.Lock()
	source, ok := r.docs[docReferenceID]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return source(), nil
}

func (r *recorder) fatalMessages() ([]string, []protocol.ErrorType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fatal...), append([]protocol.ErrorType(nil), r.fatalTypes...)
}

func (r *recorder) finalStates() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.final...)
}

// nextUpdate waits for the next descriptor update matching destinationID
func (r *recorder) nextUpdate(t *testing.T, destinationID string) types.ToolDescriptorListUpdate {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case update := <-r.updates:
			if update.DestinationID == destinationID {
				return update
			}
		case <-deadline:
			t.Fatalf("no tool descriptor update for %s", destinationID)
			return types.ToolDescriptorListUpdate{}
		}
	}
}

func descriptorList(destinationID string, toolIDs ...string) types.ToolDescriptorListUpdate {
	update := types.ToolDescriptorListUpdate{DestinationID: destinationID, DisplayName: "test tools"}
	for _, id := range toolIDs {
		update.ToolDescriptors = append(update.ToolDescriptors, types.ToolDescriptor{
			ToolID:                id,
			ToolVersion:           "1.0",
			AuthorizationGroupIDs: []string{"public"},
		})
	}
	return update
}

// patternReader yields size bytes of the pattern byte(i*31) after an
// initial delay
type patternReader struct {
	size  int64
	pos   int64
	delay time.Duration
}

func (p *patternReader) Read(b []byte) (int, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
		p.delay = 0
	}
	if p.pos >= p.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(b) && p.pos < p.size {
		b[n] = byte(p.pos * 31)
		n++
		p.pos++
	}
	return n, nil
}

func pattern(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}

// memUploadProvider uploads an in-memory directory tree
type memUploadProvider struct {
	dirs  []string
	files []memFile
}

type memFile struct {
	path    string
	content string
}

func (p *memUploadProvider) ProvideDirectoryListing() ([]string, error) {
	return p.dirs, nil
}

func (p *memUploadProvider) ProvideFiles(ctx context.Context, uc transfer.UploadContext) error {
	for _, f := range p.files {
		file := transfer.NewFileDataSource(f.path, int64(len(f.content)), strings.NewReader(f.content))
		if err := uc.ProvideFile(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

// memDownloadReceiver records a downloaded directory tree
type memDownloadReceiver struct {
	mu      sync.Mutex
	listing []string
	files   map[string]string
}

func newMemDownloadReceiver() *memDownloadReceiver {
	return &memDownloadReceiver{files: make(map[string]string)}
}

func (r *memDownloadReceiver) ReceiveDirectoryListing(directories []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listing = append([]string(nil), directories...)
	return nil
}

func (r *memDownloadReceiver) ReceiveFile(file transfer.FileDataSource) error {
	content, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	if !file.ReceivedCompletely() {
		return fmt.Errorf("%s not received completely", file.RelativePath)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[file.RelativePath] = string(content)
	return nil
}

func (r *memDownloadReceiver) snapshot() ([]string, map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	files := make(map[string]string, len(r.files))
	for k, v := range r.files {
		files[k] = v
	}
	return append([]string(nil), r.listing...), files
}
