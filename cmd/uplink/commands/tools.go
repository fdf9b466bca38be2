package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbunker/uplink/internal/client"
	"github.com/moltbunker/uplink/pkg/types"
)

func NewToolsCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered through the relay",
		Long: `Connect to the relay, collect the tool descriptor lists it replays and
print them. Lists arriving later than --wait are not shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			collector := newDescriptorCollector()
			s, err := openSession(cmd.Context(), cfg, collector)
			if err != nil {
				return err
			}
			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
			}
			s.close()

			lists := collector.lists()
			if OutputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(lists)
			}
			printDescriptorLists(cmd.OutOrStdout(), lists)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "How long to collect descriptor lists")
	cmd.Flags().StringVarP(&OutputFormat, "output", "o", "", "Output format: json, plain")

	return cmd
}

// descriptorCollector keeps the latest descriptor list of each destination
type descriptorCollector struct {
	client.NopEventHandler

	mu      sync.Mutex
	current map[string]types.ToolDescriptorListUpdate
}

func newDescriptorCollector() *descriptorCollector {
	return &descriptorCollector{current: make(map[string]types.ToolDescriptorListUpdate)}
}

func (d *descriptorCollector) ProcessToolDescriptorListUpdate(update types.ToolDescriptorListUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if update.IsEmpty() {
		delete(d.current, update.DestinationID)
		return
	}
	d.current[update.DestinationID] = update
}

// lists returns the collected lists ordered by destination id
func (d *descriptorCollector) lists() []types.ToolDescriptorListUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.ToolDescriptorListUpdate, 0, len(d.current))
	for _, u := range d.current {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out
}

func printDescriptorLists(w io.Writer, lists []types.ToolDescriptorListUpdate) {
	if len(lists) == 0 {
		fmt.Fprintln(w, styled(StyleMuted, "No tools available"))
		return
	}
	fmt.Fprintf(w, "%s%s%s%s%s\n",
		styled(StyleTableHeader, pad("DESTINATION", 26)),
		styled(StyleTableHeader, pad("NAME", 20)),
		styled(StyleTableHeader, pad("TOOL", 20)),
		styled(StyleTableHeader, pad("VERSION", 10)),
		styled(StyleTableHeader, "GROUPS"))
	for _, list := range lists {
		for _, tool := range list.ToolDescriptors {
			fmt.Fprintf(w, "%s%s%s%s%s\n",
				styled(StyleTableRow, pad(list.DestinationID, 26)),
				styled(StyleTableRow, pad(list.DisplayName, 20)),
				styled(StyleTableRow, pad(tool.ToolID, 20)),
				styled(StyleTableRow, pad(tool.ToolVersion, 10)),
				styled(StyleTableRow, strings.Join(tool.AuthorizationGroupIDs, ",")))
		}
	}
}

// pad right-pads s to width, always leaving one space
func pad(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-len(s))
}
