// Package probe validates that a configured MCP server actually
// accepts a connection and serves its tool list. Failures are
// classified into a fixed taxonomy so the healing layer can pick a
// remediation without parsing error strings itself.
package probe

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/felipestenzel/mcp-tap/internal/models"
)

// classifyRule maps an error-text fragment to a category. Rules are
// ordered; the first hit wins, so the specific fragments come before
// the generic ones.
type classifyRule struct {
	fragment string
	category models.ErrorCategory
}

var classifyRules = []classifyRule{
	{"executable file not found", models.ErrCommandNotFound},
	{"command not found", models.ErrCommandNotFound},
	{"no such file or directory", models.ErrCommandNotFound},
	{"context deadline exceeded", models.ErrTimeout},
	{"i/o timeout", models.ErrTimeout},
	{"connection refused", models.ErrConnectionRefused},
	{"401", models.ErrAuthFailed},
	{"403", models.ErrAuthFailed},
	{"unauthorized", models.ErrAuthFailed},
	{"forbidden", models.ErrAuthFailed},
	{"permission denied", models.ErrPermissionDenied},
	{"operation not permitted", models.ErrPermissionDenied},
	// an HTTP endpoint answering where a JSON-RPC stream was expected,
	// or the reverse, surfaces as protocol garbage
	{"invalid character", models.ErrTransportMismatch},
	{"405", models.ErrTransportMismatch},
	{"404", models.ErrTransportMismatch},
	{"unexpected content type", models.ErrTransportMismatch},
	{"unexpected eof", models.ErrTransportMismatch},
	{"broken pipe", models.ErrTransportMismatch},
}

// Classify maps a connection-layer error to its category. Typed
// sentinels are checked before the text table so wrapped errors
// classify correctly regardless of message wording.
func Classify(err error) models.ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, exec.ErrNotFound):
		return models.ErrCommandNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return models.ErrConnectionRefused
	case errors.Is(err, syscall.EACCES), errors.Is(err, os.ErrPermission):
		return models.ErrPermissionDenied
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		if strings.Contains(msg, rule.fragment) {
			return rule.category
		}
	}
	return models.ErrUnknown
}
