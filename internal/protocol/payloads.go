package protocol

import "github.com/moltbunker/uplink/pkg/types"

// ChannelCreationRequest asks the relay to open a channel to a destination.
// The relay forwards it to the destination with ChannelID filled in.
type ChannelCreationRequest struct {
	Type          types.ChannelType `cbor:"type"`
	DestinationID string            `cbor:"destinationId"`
	ChannelID     int64             `cbor:"channelId"`
	RequestID     string            `cbor:"requestId"`
}

// ChannelCreationResponse answers a ChannelCreationRequest; RequestID is mirrored
type ChannelCreationResponse struct {
	ChannelID int64  `cbor:"channelId"`
	RequestID string `cbor:"requestId"`
	Success   bool   `cbor:"success"`
}

// ToolExecutionRequestResponse tells the initiator whether the provider accepted the request
type ToolExecutionRequestResponse struct {
	Accepted bool   `cbor:"accepted"`
	Message  string `cbor:"message,omitempty"`
}

// FileTransferSectionInfo opens a directory transfer section. The directory
// listing travels here, before any file of the section.
type FileTransferSectionInfo struct {
	Name        string   `cbor:"name"`
	Directories []string `cbor:"directories"`
}

// FileHeader announces one file of a section; Size bytes of FILE_CONTENT follow
type FileHeader struct {
	Path string `cbor:"path"`
	Size int64  `cbor:"size"`
}

// ToolExecutionEventBatch carries one or more execution events
type ToolExecutionEventBatch struct {
	Events []types.ToolExecutionEvent `cbor:"events"`
}

// ToolDocumentationRequest asks the provider for a documentation blob
type ToolDocumentationRequest struct {
	ReferenceID string `cbor:"referenceId"`
}

// ToolDocumentationResponse precedes the documentation content; Size bytes of
// FILE_CONTENT follow if Available is set
type ToolDocumentationResponse struct {
	ReferenceID string `cbor:"referenceId"`
	Available   bool   `cbor:"available"`
	Size        int64  `cbor:"size"`
}

// FileTransferSectionEnd closes a section. A sender that failed midway sets
// Successful to false so the receiver does not mistake a partial tree for a
// complete one.
type FileTransferSectionEnd struct {
	Successful bool   `cbor:"successful"`
	Message    string `cbor:"message,omitempty"`
}
