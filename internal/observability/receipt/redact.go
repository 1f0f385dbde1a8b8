package receipt

import (
	"regexp"
	"strings"
)

// sensitiveFlags are flag names whose values are always redacted,
// matched after stripping leading dashes.
var sensitiveFlags = map[string]bool{
	"token":          true,
	"key":            true,
	"password":       true,
	"secret":         true,
	"pat":            true,
	"api-key":        true,
	"apikey":         true,
	"auth":           true,
	"credential":     true,
	"credentials":    true,
	"bearer":         true,
	"access-token":   true,
	"refresh-token":  true,
	"private-key":    true,
	"identity-token": true,
}

// sensitivePrefixes mark values that are recognizable credential
// formats regardless of which flag carried them.
var sensitivePrefixes = []string{
	"sk-",         // OpenAI, Stripe
	"ghp_",        // GitHub PAT
	"github_pat_", // GitHub fine-grained PAT
	"gho_",        // GitHub OAuth
	"ghs_",        // GitHub server-to-server
	"xoxb-",       // Slack bot
	"xoxp-",       // Slack user
	"AKIA",        // AWS access key
	"ya29.",       // Google OAuth
	"AIza",        // Google API key
	"npm_",        // npm token
	"pypi-",       // PyPI token
}

// jwtRegex matches three dot-separated base64url segments. Heuristic;
// dotted identifiers of similar shape will be caught too.
var jwtRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}$`)

// longSecretRegex matches 32+ characters of hex or base64 alphabet.
var longSecretRegex = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{32,}$`)

const redactedValue = "[REDACTED]"

// RedactArgs sanitizes CLI arguments before they are stored in a
// receipt. It handles --flag=value, --flag value, and bare values that
// look like credentials. Returns the sanitized slice and whether
// anything was redacted.
func RedactArgs(args []string) ([]string, bool) {
	if len(args) == 0 {
		return args, false
	}

	out := make([]string, len(args))
	redacted := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if eq := strings.Index(arg, "="); eq > 0 {
			flag := flagName(arg[:eq])
			value := arg[eq+1:]
			if sensitiveFlags[flag] || looksLikeSecret(value) {
				out[i] = arg[:eq+1] + redactedValue
				redacted = true
				continue
			}
			out[i] = arg
			continue
		}

		if strings.HasPrefix(arg, "-") && sensitiveFlags[flagName(arg)] && i+1 < len(args) {
			out[i] = arg
			i++
			out[i] = redactedValue
			redacted = true
			continue
		}

		if looksLikeSecret(arg) {
			out[i] = redactedValue
			redacted = true
			continue
		}
		out[i] = arg
	}

	return out, redacted
}

func flagName(s string) string {
	s = strings.TrimPrefix(s, "--")
	s = strings.TrimPrefix(s, "-")
	return strings.ToLower(s)
}

// looksLikeSecret pattern-matches a value against known credential
// shapes. Paths and dotted names are exempt from the long-string rule
// to keep false positives down.
func looksLikeSecret(value string) bool {
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	if jwtRegex.MatchString(value) {
		return true
	}
	if len(value) >= 32 && !strings.Contains(value, "/") && !strings.Contains(value, ".") {
		return longSecretRegex.MatchString(value)
	}
	return false
}
