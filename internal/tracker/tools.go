package tracker

import (
	"fmt"

	"github.com/banshee-data/nditracker/internal/ndilink"
)

// NoPortHandle marks tools that have no device port handle (dummy sessions).
const NoPortHandle = -1

// ToolDescriptor is one tracked rigid body.
type ToolDescriptor struct {
	// Index is the tool's position in the table, starting at 0.
	Index int
	// Description is the tool definition path, or the discovery index for
	// wired tools found without one.
	Description string
	PortHandle  int
	// EncodedHandle is PortHandle in the form used in commands; empty for
	// NoPortHandle.
	EncodedHandle string
}

// ToolTable is the ordered list of tools. Port handles are unique within it.
type ToolTable []ToolDescriptor

// Find returns the index of the tool using handle.
func (t ToolTable) Find(handle int) (int, bool) {
	if handle == NoPortHandle {
		return 0, false
	}
	for i, tool := range t {
		if tool.PortHandle == handle {
			return i, true
		}
	}
	return 0, false
}

// Add appends a tool. A handle already in the table is rejected.
func (t *ToolTable) Add(description string, handle int) (ToolDescriptor, error) {
	if _, dup := t.Find(handle); dup {
		return ToolDescriptor{}, fmt.Errorf("port handle %s already assigned", ndilink.EncodeHandle(handle))
	}
	tool := ToolDescriptor{
		Index:       len(*t),
		Description: description,
		PortHandle:  handle,
	}
	if handle != NoPortHandle {
		tool.EncodedHandle = ndilink.EncodeHandle(handle)
	}
	*t = append(*t, tool)
	return tool, nil
}

// Descriptions returns parallel lists of tool index and description.
func (t ToolTable) Descriptions() ([]int, []string) {
	indices := make([]int, len(t))
	descriptions := make([]string, len(t))
	for i, tool := range t {
		indices[i] = tool.Index
		descriptions[i] = tool.Description
	}
	return indices, descriptions
}
