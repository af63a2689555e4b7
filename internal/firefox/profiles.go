package firefox

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/lotas/tabgruppen/internal/types"
)

const (
	// ProfileEnv names the profile used when none is given explicitly.
	ProfileEnv = "TABGRUPPEN_PROFILE"
	// RootEnv overrides the Firefox data directory.
	RootEnv = "TABGRUPPEN_FIREFOX_DIR"
)

// sessionCandidates lists session files relative to a profile directory,
// freshest first: the running session, the one before it, and the file
// written on a clean shutdown.
var sessionCandidates = []string{
	filepath.Join("sessionstore-backups", "recovery.jsonlz4"),
	filepath.Join("sessionstore-backups", "previous.jsonlz4"),
	"sessionstore.jsonlz4",
}

// Root returns the directory holding profiles.ini.
func Root() (string, error) {
	if dir := os.Getenv(RootEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	switch runtime.GOOS {
	case "linux":
		return filepath.Join(home, ".mozilla", "firefox"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Firefox"), nil
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Mozilla", "Firefox"), nil
		}
	}
	return "", fmt.Errorf("no Firefox data directory known for %s", runtime.GOOS)
}

// sessionFile returns the first readable session file of a profile.
func sessionFile(profileDir string) (string, bool) {
	for _, rel := range sessionCandidates {
		path := filepath.Join(profileDir, rel)
		if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

type iniSection struct {
	name string
	keys map[string]string
}

func readINI(r io.Reader) ([]iniSection, error) {
	var sections []iniSection
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", line[0] == ';', line[0] == '#':
		case line[0] == '[' && line[len(line)-1] == ']':
			sections = append(sections, iniSection{name: line[1 : len(line)-1], keys: map[string]string{}})
		case len(sections) > 0:
			if k, v, ok := strings.Cut(line, "="); ok {
				sections[len(sections)-1].keys[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
	return sections, sc.Err()
}

// ParseProfiles reads a profiles.ini. Relative paths are resolved against
// root. The default comes from the [Install...] sections when any exist,
// else from Default=1.
func ParseProfiles(r io.Reader, root string) ([]types.Profile, error) {
	sections, err := readINI(r)
	if err != nil {
		return nil, fmt.Errorf("read profiles.ini: %w", err)
	}

	installDefaults := make(map[string]bool)
	for _, s := range sections {
		if strings.HasPrefix(s.name, "Install") && s.keys["Default"] != "" {
			installDefaults[filepath.FromSlash(s.keys["Default"])] = true
		}
	}

	var profiles []types.Profile
	for _, s := range sections {
		if !strings.HasPrefix(s.name, "Profile") || s.keys["Path"] == "" {
			continue
		}
		rel := filepath.FromSlash(s.keys["Path"])
		p := types.Profile{Name: s.keys["Name"], Path: rel}
		if s.keys["IsRelative"] == "1" {
			p.Path = filepath.Join(root, rel)
		}
		if len(installDefaults) > 0 {
			p.IsDefault = installDefaults[rel]
		} else {
			p.IsDefault = s.keys["Default"] == "1"
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Discover lists the profiles under root that have a session to read.
func Discover(root string) ([]types.Profile, error) {
	f, err := os.Open(filepath.Join(root, "profiles.ini"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	all, err := ParseProfiles(f, root)
	if err != nil {
		return nil, err
	}
	var usable []types.Profile
	for _, p := range all {
		if path, ok := sessionFile(p.Path); ok {
			p.Session = path
			usable = append(usable, p)
		}
	}
	return usable, nil
}

// Select picks a profile by name. An empty name falls back to ProfileEnv,
// then to the default profile, then to the first one.
func Select(profiles []types.Profile, name string) (types.Profile, error) {
	if len(profiles) == 0 {
		return types.Profile{}, fmt.Errorf("no Firefox profiles with a session file")
	}
	if name == "" {
		name = os.Getenv(ProfileEnv)
	}
	if name != "" {
		names := make([]string, 0, len(profiles))
		for _, p := range profiles {
			if p.Name == name {
				return p, nil
			}
			names = append(names, p.Name)
		}
		return types.Profile{}, fmt.Errorf("profile %q not found (have: %s)", name, strings.Join(names, ", "))
	}
	for _, p := range profiles {
		if p.IsDefault {
			return p, nil
		}
	}
	return profiles[0], nil
}

// Open finds the named profile, see Select, on this machine.
func Open(name string) (types.Profile, error) {
	root, err := Root()
	if err != nil {
		return types.Profile{}, err
	}
	profiles, err := Discover(root)
	if err != nil {
		return types.Profile{}, fmt.Errorf("discover profiles: %w", err)
	}
	return Select(profiles, name)
}
