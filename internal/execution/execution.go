// Package execution defines the contracts between the session layer and the
// code that runs or requests remote tool executions.
package execution

import (
	"context"

	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/pkg/types"
)

// EventCollector receives intermediate events from a running execution
type EventCollector interface {
	SubmitEvent(eventType, data string)
}

// Provider runs one tool execution on the client that offers the tool. The
// session calls InputDirectoryReceiver during the input upload, Execute once,
// OutputDirectoryProvider for the output download and OnContextClosing last.
// RequestCancel may be called at most once, from another goroutine, while
// Execute runs. A cancellation that arrived during the input upload is
// delivered right after Execute has been started, so it can reach the
// provider before Execute does any work.
type Provider interface {
	InputDirectoryReceiver() transfer.DirectoryDownloadReceiver
	Execute(ctx context.Context, events EventCollector) (types.ToolExecutionResult, error)
	RequestCancel()
	OutputDirectoryProvider() transfer.DirectoryUploadProvider
	OnContextClosing()
}

// EventHandler observes one execution on the initiating side. Calls arrive
// in this order:
//
//	OnInputUploadsStarting, InputDirectoryProvider, OnInputUploadsFinished,
//	OnExecutionStarting, ProcessToolExecutionEvent*, OnExecutionFinished,
//	OnOutputDownloadsStarting, OutputDirectoryReceiver,
//	OnOutputDownloadsFinished, OnContextClosing
//
// If the execution breaks down, OnError is called instead of the remaining
// steps, followed by OnContextClosing.
type EventHandler interface {
	OnInputUploadsStarting()
	InputDirectoryProvider() transfer.DirectoryUploadProvider
	OnInputUploadsFinished()
	OnExecutionStarting()
	ProcessToolExecutionEvent(eventType, data string)
	OnExecutionFinished(result types.ToolExecutionResult)
	OnOutputDownloadsStarting()
	OutputDirectoryReceiver() transfer.DirectoryDownloadReceiver
	OnOutputDownloadsFinished()
	OnError(message string)
	OnContextClosing()
}

// Handle controls an execution in progress
type Handle interface {
	// RequestCancel asks the provider to stop; it never blocks
	RequestCancel()
}

// ClientSideSetup names the tool to run and the destination that offers it
type ClientSideSetup struct {
	DestinationID string
	ToolID        string
	ToolVersion   string
	AuthGroupID   string
	Properties    map[string]string
}

// Request converts the setup into the request sent to the provider
func (s ClientSideSetup) Request() types.ToolExecutionRequest {
	return types.ToolExecutionRequest{
		ToolID:        s.ToolID,
		ToolVersion:   s.ToolVersion,
		AuthGroupID:   s.AuthGroupID,
		DestinationID: s.DestinationID,
		Properties:    s.Properties,
	}
}
