package firefox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/lotas/tabgruppen/internal/types"
)

// mozlz4 header: 8-byte magic "mozLz40\x00"
var mozLz4Magic = []byte("mozLz40\x00")

// DecompressMozLz4 decompresses data in Mozilla's mozlz4 format.
// The format is: 8-byte magic "mozLz40\x00" + 4-byte LE uint32 uncompressed size + lz4 block data.
func DecompressMozLz4(data []byte) ([]byte, error) {
	const headerSize = 12 // 8 magic + 4 size

	if len(data) < headerSize {
		return nil, fmt.Errorf("mozlz4: data too short (%d bytes)", len(data))
	}

	for i := 0; i < len(mozLz4Magic); i++ {
		if data[i] != mozLz4Magic[i] {
			return nil, fmt.Errorf("mozlz4: invalid header magic")
		}
	}

	uncompressedSize := binary.LittleEndian.Uint32(data[8:12])

	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[headerSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("mozlz4: decompress failed: %w", err)
	}

	return dst[:n], nil
}

// Raw JSON types for Firefox session file parsing.
type rawEntry struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type rawTab struct {
	Entries []rawEntry `json:"entries"`
	Index   int        `json:"index"`
	Pinned  bool       `json:"pinned"`
	Hidden  bool       `json:"hidden"`
	Group   string     `json:"groupId"`
}

type rawGroup struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type rawWindow struct {
	Tabs   []rawTab   `json:"tabs"`
	Groups []rawGroup `json:"groups"`
	// Selected is the 1-based index of the active tab.
	Selected int `json:"selected"`
}

type rawSession struct {
	Windows []rawWindow `json:"windows"`
}

// ParseSession parses raw session JSON into windows. A session file holds no
// browser ids, so windows, tabs and groups get synthetic ids starting at 1,
// unique across the whole session. Hidden tabs and tabs without history are
// skipped. Every tab is reported as loaded.
func ParseSession(data []byte) ([]types.Window, error) {
	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse session JSON: %w", err)
	}

	var windows []types.Window
	nextTab, nextGroup := 1, 1
	for winIdx, rw := range raw.Windows {
		w := types.Window{ID: winIdx + 1}

		groupIDs := make(map[string]int, len(rw.Groups))
		for _, rg := range rw.Groups {
			groupIDs[rg.ID] = nextGroup
			w.Groups = append(w.Groups, types.TabGroup{
				ID:       nextGroup,
				WindowID: w.ID,
				Title:    rg.Name,
				Color:    rg.Color,
			})
			nextGroup++
		}

		for tabIdx, rt := range rw.Tabs {
			if len(rt.Entries) == 0 || rt.Hidden {
				continue
			}

			// index is 1-based; current page is entries[index-1].
			entryIdx := rt.Index - 1
			if entryIdx < 0 || entryIdx >= len(rt.Entries) {
				entryIdx = len(rt.Entries) - 1
			}
			entry := rt.Entries[entryIdx]

			groupID := types.NoGroup
			if id, ok := groupIDs[rt.Group]; ok && rt.Group != "" {
				groupID = id
			}

			w.Tabs = append(w.Tabs, types.Tab{
				ID:       nextTab,
				WindowID: w.ID,
				Index:    tabIdx,
				Title:    entry.Title,
				URL:      entry.URL,
				GroupID:  groupID,
				Pinned:   rt.Pinned,
				Active:   tabIdx+1 == rw.Selected,
				Status:   types.StatusComplete,
			})
			nextTab++
		}

		windows = append(windows, w)
	}

	return windows, nil
}

// ReadSessionFile reads the freshest session file of a profile directory.
func ReadSessionFile(profileDir string) ([]types.Window, error) {
	path, ok := sessionFile(profileDir)
	if !ok {
		return nil, fmt.Errorf("no session file found in %s", profileDir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	decompressed, err := DecompressMozLz4(data)
	if err != nil {
		return nil, fmt.Errorf("decompress session file: %w", err)
	}

	return ParseSession(decompressed)
}
