package cli

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// suggestDistance is the largest edit distance still offered as a suggestion.
const suggestDistance = 3

// UnknownCommandError reports an unknown top level command.
func UnknownCommandError(unknown string, valid []string) error {
	return unknownError("command", unknown, valid)
}

// UnknownSubcommandError reports an unknown subcommand of parent.
func UnknownSubcommandError(parent, unknown string, valid []string) error {
	return unknownError(parent+" subcommand", unknown, valid)
}

func unknownError(kind, unknown string, valid []string) error {
	if s := Suggest(unknown, valid); s != "" {
		return fmt.Errorf("unknown %s: %s (did you mean %q?)", kind, unknown, s)
	}
	return fmt.Errorf("unknown %s: %s", kind, unknown)
}

// Suggest returns the candidate the input most likely meant, or empty if none is close.
// A unique prefix match wins, otherwise the nearest candidate by case-insensitive edit
// distance. Ties keep the earlier candidate.
func Suggest(input string, candidates []string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}

	var prefixed []string
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c), input) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0]
	}

	best, bestDist := "", suggestDistance+1
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(input, strings.ToLower(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
