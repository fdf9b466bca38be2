package protocol

import (
	"fmt"
	"sync"
	"time"
)

// Settings holds the tunable protocol parameters of a session. It is a plain
// value; sessions copy it at construction, so changing the process defaults
// never affects sessions that already exist.
type Settings struct {
	HandshakeResponseTimeout time.Duration
	queueDepths              [NumPriorities]int
	// LowPriorityServiceInterval is the number of consecutive blocks drained
	// from higher lanes before one waiting block of a lower lane is written
	LowPriorityServiceInterval int
	// IncomingQueueDepth bounds the inbound dispatch queue of a session
	IncomingQueueDepth int
}

// BuiltinSettings returns the compiled-in defaults
func BuiltinSettings() Settings {
	s := Settings{
		HandshakeResponseTimeout:   10 * time.Second,
		LowPriorityServiceInterval: 16,
		IncomingQueueDepth:         64,
	}
	s.queueDepths[PriorityControl] = 4
	s.queueDepths[PriorityChannelInitiation] = 32
	s.queueDepths[PriorityToolDescriptorUpdates] = 64
	s.queueDepths[PriorityDefault] = 32
	s.queueDepths[PriorityForwarding] = 32
	return s
}

var (
	defaultSettingsMu sync.RWMutex
	defaultSettings   = BuiltinSettings()
)

// DefaultSettings returns the settings new sessions use unless given explicit ones
func DefaultSettings() Settings {
	defaultSettingsMu.RLock()
	defer defaultSettingsMu.RUnlock()
	return defaultSettings
}

// OverrideDefaultSettings is the test hook for the process-wide defaults.
// Call it from TestMain before any session exists; it only affects sessions
// created afterwards. restore reinstates the previous defaults. Programs pass
// Settings explicitly instead.
func OverrideDefaultSettings(s Settings) (restore func(), err error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	defaultSettingsMu.Lock()
	defer defaultSettingsMu.Unlock()
	previous := defaultSettings
	defaultSettings = s
	return func() {
		defaultSettingsMu.Lock()
		defer defaultSettingsMu.Unlock()
		defaultSettings = previous
	}, nil
}

// QueueDepth returns the maximum number of queued blocks for a priority lane
func (s Settings) QueueDepth(p Priority) int {
	if !p.Valid() {
		return 0
	}
	return s.queueDepths[p]
}

// WithQueueDepth returns a copy with the depth of one lane replaced
func (s Settings) WithQueueDepth(p Priority, depth int) Settings {
	if p.Valid() {
		s.queueDepths[p] = depth
	}
	return s
}

// WithHandshakeResponseTimeout returns a copy with the handshake timeout replaced
func (s Settings) WithHandshakeResponseTimeout(d time.Duration) Settings {
	s.HandshakeResponseTimeout = d
	return s
}

// Validate checks that every parameter is usable
func (s Settings) Validate() error {
	if s.HandshakeResponseTimeout <= 0 {
		return fmt.Errorf("handshake response timeout must be positive, got %v", s.HandshakeResponseTimeout)
	}
	for _, p := range AllPriorities() {
		if s.queueDepths[p] < 1 {
			return fmt.Errorf("queue depth for priority %s must be at least 1, got %d", p, s.queueDepths[p])
		}
	}
	if s.LowPriorityServiceInterval < 1 {
		return fmt.Errorf("low priority service interval must be at least 1, got %d", s.LowPriorityServiceInterval)
	}
	if s.IncomingQueueDepth < 1 {
		return fmt.Errorf("incoming queue depth must be at least 1, got %d", s.IncomingQueueDepth)
	}
	return nil
}
