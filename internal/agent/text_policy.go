package agent

import (
	"regexp"
	"strings"
)

// falseNoToolsRe matches a model claiming it has no tool access when the
// registry is in fact non-empty.
var falseNoToolsRe = regexp.MustCompile(`(?i)i (don't|do not) have (access to )?tools|i cannot (use|access) (any )?tools|no tools (are )?available`)

// actionClaimRe matches a first-person past-tense claim of having performed
// an action, used to catch a model narrating work it never actually did via
// a tool call.
var actionClaimRe = regexp.MustCompile(`(?i)i('ve| have) (updated|created|sent|deleted|configured|set up|wrote|fixed|deployed|installed|ran|executed)`)

// mentionsMultipleTools reports how many distinct registered tool names are
// mentioned by name in text, used as a secondary action-claim signal
// alongside actionClaimRe.
func mentionsMultipleTools(text string, toolNames []string) int {
	lower := strings.ToLower(text)
	count := 0
	for _, name := range toolNames {
		if name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			count++
		}
	}
	return count
}
