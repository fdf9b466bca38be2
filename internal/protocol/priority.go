package protocol

// Priority selects the outbound queue lane of a message block. Lower values
// are drained first.
type Priority int

const (
	// PriorityControl carries session-level signaling such as goodbye messages
	PriorityControl Priority = iota
	PriorityChannelInitiation
	PriorityToolDescriptorUpdates
	PriorityDefault
	// PriorityForwarding is used by the relay for bulk traffic between sessions
	PriorityForwarding

	// NumPriorities is the number of priority lanes
	NumPriorities = int(PriorityForwarding) + 1
)

// Valid reports whether p names an existing lane
func (p Priority) Valid() bool {
	return p >= PriorityControl && p <= PriorityForwarding
}

func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityChannelInitiation:
		return "channel_initiation"
	case PriorityToolDescriptorUpdates:
		return "tool_descriptor_updates"
	case PriorityDefault:
		return "default"
	case PriorityForwarding:
		return "forwarding"
	default:
		return "unknown"
	}
}

// AllPriorities returns every lane in drain order
func AllPriorities() []Priority {
	return []Priority{
		PriorityControl,
		PriorityChannelInitiation,
		PriorityToolDescriptorUpdates,
		PriorityDefault,
		PriorityForwarding,
	}
}
