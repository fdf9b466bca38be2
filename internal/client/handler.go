// Package client implements the client side of an uplink session: the
// handshake, tool descriptor publishing, and the documentation and tool
// execution channels.
package client

import (
	"github.com/moltbunker/uplink/internal/execution"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/pkg/types"
)

// EventHandler receives session events. Lifecycle and descriptor callbacks
// run on the session's dispatcher goroutine and must return quickly; the
// provider callbacks run on per-channel goroutines.
type EventHandler interface {
	OnSessionActivating(namespaceID, destinationIDPrefix string)
	OnActiveSessionTerminating()
	// OnFatalErrorMessage is called at most once per session
	OnFatalErrorMessage(errorType protocol.ErrorType, message string)
	OnSessionInFinalState(reasonableToRetry bool)
	ProcessToolDescriptorListUpdate(update types.ToolDescriptorListUpdate)
	// SetUpToolExecutionProvider returns an error to reject the request
	SetUpToolExecutionProvider(request types.ToolExecutionRequest) (execution.Provider, error)
	// ProvideToolDocumentationData returns nil if the documentation is not available
	ProvideToolDocumentationData(destinationID, docReferenceID string) (*transfer.SizeValidatedDataSource, error)
}

// NopEventHandler ignores all events, offers no tools and no documentation.
// Embed it to implement only some callbacks.
type NopEventHandler struct{}

func (NopEventHandler) OnSessionActivating(string, string)                             {}
func (NopEventHandler) OnActiveSessionTerminating()                                    {}
func (NopEventHandler) OnFatalErrorMessage(protocol.ErrorType, string)                 {}
func (NopEventHandler) OnSessionInFinalState(bool)                                     {}
func (NopEventHandler) ProcessToolDescriptorListUpdate(types.ToolDescriptorListUpdate) {}

func (NopEventHandler) SetUpToolExecutionProvider(types.ToolExecutionRequest) (execution.Provider, error) {
	return nil, ErrToolNotAvailable
}

func (NopEventHandler) ProvideToolDocumentationData(string, string) (*transfer.SizeValidatedDataSource, error) {
	return nil, nil
}
