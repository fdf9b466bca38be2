package relay

import (
	"strings"
	"sync"

	"github.com/moltbunker/uplink/internal/protocol"
)

// DeriveNamespace builds the namespace id of a login and session qualifier.
// Both parts are cut to their significant length and padded with '_', so the
// result has a fixed width and doubles as the session's destination id prefix.
func DeriveNamespace(login, qualifier string) string {
	if qualifier == "" {
		qualifier = protocol.DefaultSessionQualifier
	}
	return fixedWidth(login, protocol.NamespaceLoginSignificantChars) +
		fixedWidth(qualifier, protocol.NamespaceQualifierSignificantChars)
}

func fixedWidth(s string, width int) string {
	r := []rune(s)
	if len(r) >= width {
		return string(r[:width])
	}
	return s + strings.Repeat(string(protocol.NamespacePaddingChar), width-len(r))
}

// NamespaceRegistry records which session owns each namespace. A namespace
// has at most one owner; the first Claim wins until the owner releases it.
type NamespaceRegistry struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewNamespaceRegistry() *NamespaceRegistry {
	return &NamespaceRegistry{owners: make(map[string]string)}
}

// Claim assigns namespaceID to sessionID unless another session holds it
func (r *NamespaceRegistry) Claim(namespaceID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.owners[namespaceID]; taken {
		return false
	}
	r.owners[namespaceID] = sessionID
	return true
}

// Release frees namespaceID if sessionID holds it. Releasing a namespace
// owned by someone else does nothing.
func (r *NamespaceRegistry) Release(namespaceID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[namespaceID]; !ok || owner != sessionID {
		return false
	}
	delete(r.owners, namespaceID)
	return true
}

func (r *NamespaceRegistry) IsNamespaceAssigned(namespaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[namespaceID]
	return ok
}

func (r *NamespaceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}
