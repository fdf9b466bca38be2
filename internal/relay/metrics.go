package relay

import (
	"time"

	"github.com/moltbunker/uplink/internal/flow"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/pkg/types"
)

// Metrics receives relay events. internal/metrics provides the Prometheus
// implementation.
type Metrics interface {
	flow.Observer
	SessionActivated(handshake time.Duration)
	SessionDeactivated()
	SessionEnded(state types.SessionState)
	SessionRefused(errorType protocol.ErrorType)
	ChannelOpened(channelType types.ChannelType)
	ChannelRefused(channelType types.ChannelType)
	BlockForwarded(msgType protocol.MessageType, bytes int)
	DescriptorCacheSize(entries int)
	// DescriptorUpdateDropped counts a descriptor list (or a withdrawal,
	// which is an empty list) not delivered because the recipient's lane
	// was full
	DescriptorUpdateDropped(withdrawal bool)
}

type nopMetrics struct{}

func (nopMetrics) BlockWritten(protocol.Priority, protocol.MessageType, int) {}
func (nopMetrics) EnqueueRejected(protocol.Priority)                         {}
func (nopMetrics) SessionActivated(time.Duration)                            {}
func (nopMetrics) SessionDeactivated()                                       {}
func (nopMetrics) SessionEnded(types.SessionState)                           {}
func (nopMetrics) SessionRefused(protocol.ErrorType)                         {}
func (nopMetrics) ChannelOpened(types.ChannelType)                           {}
func (nopMetrics) ChannelRefused(types.ChannelType)                          {}
func (nopMetrics) BlockForwarded(protocol.MessageType, int)                  {}
func (nopMetrics) DescriptorCacheSize(int)                                   {}
func (nopMetrics) DescriptorUpdateDropped(bool)                              {}
