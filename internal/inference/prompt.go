package inference

import (
	"fmt"
	"strings"
)

const systemTemplate = `You organize browser tabs into tab groups.

Group tabs that belong to the same task, project or topic. Prefer an existing
group when a tab clearly fits it, and use its name exactly as given. Otherwise
propose a short new group name (one to three words). Leave a tab ungrouped
(groupName null) when it does not fit with any other tab.
%s
Respond with ONLY JSON of the form:
{"assignments": [{"tabId": 1, "groupName": "Work"}, {"tabId": 2, "groupName": null}]}`

// BuildSystemPrompt returns the instructions for the model, including the
// user's custom rules if any.
func BuildSystemPrompt(rules string) string {
	rulesSection := ""
	if rules = strings.TrimSpace(rules); rules != "" {
		rulesSection = "\nAdditional rules from the user:\n" + rules + "\n"
	}
	return fmt.Sprintf(systemTemplate, rulesSection)
}

// BuildPrompt lists the existing groups and the tabs to organize.
func BuildPrompt(req BatchRequest) string {
	var b strings.Builder
	if len(req.ExistingGroups) > 0 {
		b.WriteString("Existing groups:\n")
		for _, g := range req.ExistingGroups {
			fmt.Fprintf(&b, "- %s\n", g.Name)
		}
		b.WriteString("\n")
	}
	b.WriteString("Tabs:\n")
	for _, t := range req.Tabs {
		fmt.Fprintf(&b, "- tabId %d: %s (%s)\n", t.ID, oneLine(t.Title), t.URL)
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
