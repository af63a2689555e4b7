package firefox

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"

	"github.com/lotas/tabgruppen/internal/analyzer"
)

func TestIntegration_SessionToDuplicates(t *testing.T) {
	// Create a fake profile directory with a session file
	profileDir := t.TempDir()
	backupDir := filepath.Join(profileDir, "sessionstore-backups")
	os.MkdirAll(backupDir, 0755)

	sessionJSON := `{
		"version": ["sessionrestore", 1],
		"windows": [{
			"selected": 2,
			"tabs": [
				{
					"entries": [{"url": "https://example.com", "title": "Example"}],
					"index": 1,
					"groupId": "g1"
				},
				{
					"entries": [{"url": "https://example.com/", "title": "Example Dup"}],
					"index": 1,
					"groupId": "g1"
				},
				{
					"entries": [{"url": "https://other.com/page", "title": "Other"}],
					"index": 1
				}
			],
			"groups": [
				{"id": "g1", "name": "Test Group", "color": "blue"}
			]
		}]
	}`

	// Compress to mozlz4
	jsonBytes := []byte(sessionJSON)
	compressed := make([]byte, lz4.CompressBlockBound(len(jsonBytes)))
	n, err := lz4.CompressBlock(jsonBytes, compressed, nil)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	mozlz4 := make([]byte, 0, 12+n)
	mozlz4 = append(mozlz4, []byte("mozLz40\x00")...)
	sizeBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBuf, uint32(len(jsonBytes)))
	mozlz4 = append(mozlz4, sizeBuf...)
	mozlz4 = append(mozlz4, compressed[:n]...)

	os.WriteFile(filepath.Join(backupDir, "recovery.jsonlz4"), mozlz4, 0644)

	windows, err := ReadSessionFile(profileDir)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if len(windows) != 1 || len(windows[0].Tabs) != 3 {
		t.Fatalf("got %+v", windows)
	}

	dups := analyzer.FindDuplicates(windows[0].Tabs)
	group, ok := dups["https://example.com"]
	if !ok || len(group) != 2 {
		t.Fatalf("expected one duplicate set of 2, got %v", dups)
	}
	// The selected tab survives.
	if got := analyzer.ChooseSurvivor(group).ID; got != 2 {
		t.Errorf("survivor = %d, want 2", got)
	}
	if got := analyzer.CountClosureCandidates(windows[0].Tabs); got != 1 {
		t.Errorf("closure candidates = %d, want 1", got)
	}
}
