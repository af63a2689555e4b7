package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lotas/tabgruppen/internal/config"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/firefox"
	"github.com/lotas/tabgruppen/internal/inference"
	"github.com/lotas/tabgruppen/internal/types"
)

// readWindows loads the saved session of a Firefox profile. An empty name
// picks TABGRUPPEN_PROFILE, then the default profile.
func readWindows(profileName string) ([]types.Window, error) {
	profile, err := firefox.Open(profileName)
	if err != nil {
		return nil, err
	}
	windows, err := firefox.ReadSessionFile(profile.Path)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return windows, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type windowSuggestions struct {
	WindowID  int                    `json:"windowId"`
	Proposals []inference.Suggestion `json:"proposals"`
	Ungrouped []int                  `json:"ungrouped"`
	Failed    []int                  `json:"failed,omitempty"`
}

func newSuggestCmd(load func() (config.Config, error)) *cobra.Command {
	var profileName string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Suggest groups for the tabs of a saved Firefox session",
		Long: "Reads the session file of a Firefox profile and asks the configured\n" +
			"model to group every ungrouped tab. Nothing is changed in the browser.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			windows, err := readWindows(profileName)
			if err != nil {
				return err
			}
			provider, err := inference.NewProvider(cfg.ProviderConfig())
			if err != nil {
				return err
			}
			orch := inference.New(provider, cfg.InferenceOptions())
			orch.SetRules(inference.LoadRules(cfg.RulesFile))

			var out []windowSuggestions
			for _, w := range windows {
				tabs, groups := suggestInputs(w)
				if len(tabs) == 0 {
					continue
				}
				res := orch.Generate(cmd.Context(), tabs, groups)
				if err := res.Err(); err != nil {
					fmt.Fprintf(os.Stderr, "Window %d: %v\n", w.ID, err)
				}
				out = append(out, windowSuggestions{
					WindowID:  w.ID,
					Proposals: res.Suggestions,
					Ungrouped: res.Ungrouped,
					Failed:    res.Failed,
				})
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			printSuggestions(cmd.OutOrStdout(), windows, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", "", "Firefox profile name (env: TABGRUPPEN_PROFILE)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	return cmd
}

// suggestInputs offers the tabs the live engine would consider: loaded,
// ungrouped and on a groupable page.
func suggestInputs(w types.Window) ([]inference.TabInput, []inference.GroupInput) {
	var tabs []inference.TabInput
	for _, t := range w.Tabs {
		if !engine.Eligible(t, false, false) {
			continue
		}
		tabs = append(tabs, inference.TabInput{ID: t.ID, Title: t.Title, URL: t.URL})
	}
	groups := make([]inference.GroupInput, 0, len(w.Groups))
	for _, g := range w.Groups {
		groups = append(groups, inference.GroupInput{Name: g.Title, ID: g.ID})
	}
	return tabs, groups
}

func printSuggestions(w io.Writer, windows []types.Window, out []windowSuggestions) {
	titles := make(map[int]string)
	for _, win := range windows {
		for _, t := range win.Tabs {
			titles[t.ID] = t.Title
			if titles[t.ID] == "" {
				titles[t.ID] = t.URL
			}
		}
	}
	if len(out) == 0 {
		fmt.Fprintln(w, "No ungrouped tabs.")
		return
	}
	for _, ws := range out {
		fmt.Fprintf(w, "Window %d\n", ws.WindowID)
		for _, s := range ws.Proposals {
			suffix := ""
			if s.ExistingGroupID != nil {
				suffix = " (existing)"
			}
			fmt.Fprintf(w, "  %s%s\n", s.Name, suffix)
			for _, id := range s.TabIDs {
				fmt.Fprintf(w, "    - %s\n", titles[id])
			}
		}
		if len(ws.Ungrouped) > 0 {
			fmt.Fprintf(w, "  %d tab(s) left alone\n", len(ws.Ungrouped))
		}
		if len(ws.Failed) > 0 {
			fmt.Fprintf(w, "  %d tab(s) failed\n", len(ws.Failed))
		}
	}
}

func newDupesCmd() *cobra.Command {
	var profileName string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dupes",
		Short: "List duplicate tabs of a saved Firefox session",
		RunE: func(cmd *cobra.Command, args []string) error {
			windows, err := readWindows(profileName)
			if err != nil {
				return err
			}
			type windowDupes struct {
				WindowID int                   `json:"windowId"`
				Sets     []engine.DuplicateSet `json:"sets"`
			}
			var all []windowDupes
			for _, win := range windows {
				if sets := engine.DuplicateSets(win.Tabs); len(sets) > 0 {
					all = append(all, windowDupes{WindowID: win.ID, Sets: sets})
				}
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), all)
			}

			w := cmd.OutOrStdout()
			if len(all) == 0 {
				fmt.Fprintln(w, "No duplicate tabs.")
				return nil
			}
			closable := 0
			for _, wd := range all {
				fmt.Fprintf(w, "Window %d\n", wd.WindowID)
				for _, s := range wd.Sets {
					closable += len(s.Close)
					fmt.Fprintf(w, "  %s  keep #%d, close %s\n", s.URL, s.Survivor, joinIDs(s.Close))
				}
			}
			fmt.Fprintf(w, "%d tab(s) can be closed\n", closable)
			return nil
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", "", "Firefox profile name (env: TABGRUPPEN_PROFILE)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	return cmd
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, " ")
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List Firefox profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := firefox.Root()
			if err != nil {
				return err
			}
			profiles, err := firefox.Discover(root)
			if err != nil {
				return fmt.Errorf("discover Firefox profiles: %w", err)
			}
			if len(profiles) == 0 {
				return fmt.Errorf("no Firefox profiles found")
			}
			for _, p := range profiles {
				suffix := ""
				if p.IsDefault {
					suffix = " [default]"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)%s\n", p.Name, p.Session, suffix)
			}
			return nil
		},
	}
}
