package engine

import (
	"strings"

	"github.com/lotas/tabgruppen/internal/types"
)

var skipPrefixes = []string{"about:", "moz-extension:", "chrome-extension:", "file:", "chrome:", "resource:", "data:", "view-source:"}

func groupableURL(url string) bool {
	if url == "" {
		return false
	}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Eligible reports whether tab may be queued for inference. It is the only
// place that decides this, for both the event path and the rescan path.
func Eligible(tab types.Tab, cached, inFlight bool) bool {
	switch {
	case tab.Grouped():
		return false
	case tab.Status != types.StatusComplete:
		return false
	case tab.Pinned:
		return false
	case !groupableURL(tab.URL):
		return false
	case cached, inFlight:
		return false
	}
	return true
}
