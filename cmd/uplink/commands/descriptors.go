package commands

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/moltbunker/uplink/pkg/types"
)

// DescriptorFile lists the tools "uplink connect" publishes. Each
// destination becomes one descriptor list below the session's destination
// id prefix.
type DescriptorFile struct {
	Destinations []DestinationSpec `yaml:"destinations"`
}

// DestinationSpec is one published destination
type DestinationSpec struct {
	// Suffix is appended to the destination id prefix assigned by the relay
	Suffix      string                 `yaml:"suffix"`
	DisplayName string                 `yaml:"display_name"`
	Tools       []types.ToolDescriptor `yaml:"tools"`
}

// LoadDescriptorFile reads and validates a descriptor file
func LoadDescriptorFile(path string) (*DescriptorFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor file: %w", err)
	}
	var f DescriptorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// Validate checks that destinations are unique and every tool is named
func (f *DescriptorFile) Validate() error {
	seen := make(map[string]bool, len(f.Destinations))
	for i, d := range f.Destinations {
		if seen[d.Suffix] {
			return fmt.Errorf("destination %d: duplicate suffix %q", i, d.Suffix)
		}
		seen[d.Suffix] = true
		for j, tool := range d.Tools {
			if tool.ToolID == "" {
				return fmt.Errorf("destination %q tool %d: tool_id is required", d.Suffix, j)
			}
			if len(tool.AuthorizationGroupIDs) == 0 {
				return fmt.Errorf("destination %q tool %s: at least one auth group is required", d.Suffix, tool.ToolID)
			}
		}
	}
	return nil
}

// Updates builds the descriptor list updates for a session owning prefix
func (f *DescriptorFile) Updates(prefix string) ([]types.ToolDescriptorListUpdate, error) {
	if prefix == "" {
		return nil, errors.New("no destination id prefix assigned")
	}
	updates := make([]types.ToolDescriptorListUpdate, 0, len(f.Destinations))
	for _, d := range f.Destinations {
		updates = append(updates, types.ToolDescriptorListUpdate{
			DestinationID:   prefix + d.Suffix,
			DisplayName:     d.DisplayName,
			ToolDescriptors: d.Tools,
		})
	}
	return updates, nil
}

// withdrawals returns empty updates for every previously published
// destination that is missing from current
func withdrawals(previous []types.ToolDescriptorListUpdate, current []types.ToolDescriptorListUpdate) []types.ToolDescriptorListUpdate {
	keep := make(map[string]bool, len(current))
	for _, u := range current {
		keep[u.DestinationID] = true
	}
	var out []types.ToolDescriptorListUpdate
	for _, u := range previous {
		if !keep[u.DestinationID] && !u.IsEmpty() {
			out = append(out, types.ToolDescriptorListUpdate{DestinationID: u.DestinationID, DisplayName: u.DisplayName})
		}
	}
	return out
}
