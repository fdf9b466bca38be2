package relay

import (
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/moltbunker/uplink/internal/protocol"
)

func TestMain(m *testing.M) {
	settings := protocol.BuiltinSettings().WithHandshakeResponseTimeout(time.Second)
	if _, err := protocol.OverrideDefaultSettings(settings); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	goleak.VerifyTestMain(m)
}
