package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/observability"
)

// MaxErrorLength caps error strings stored in receipts.
const MaxErrorLength = 2048

// Session tracks one command invocation from start to finish.
type Session struct {
	ctx     context.Context
	start   time.Time
	command string
	args    []string
	done    bool
}

// Start opens a session for a command. The receipt is written when
// Finish is called, provided a writer was installed in the context.
func Start(ctx context.Context, command string, args []string) *Session {
	return &Session{
		ctx:     ctx,
		start:   time.Now(),
		command: command,
		args:    args,
	}
}

// Option attaches a summary section to the receipt.
type Option func(*Receipt)

// WithLockfile records the lockfile path and, when the file exists,
// its content hash.
func WithLockfile(path string) Option {
	return func(r *Receipt) {
		if path == "" {
			return
		}
		ref := &LockfileRef{Path: path}
		if sum, err := fileSHA256(path); err == nil {
			ref.SHA256 = sum
		}
		r.Lockfile = ref
	}
}

// WithDrift records the verify outcome counts.
func WithDrift(checked, missing, extra, changed, errors int) Option {
	return func(r *Receipt) {
		r.Drift = &DriftSummary{
			Checked: checked,
			Missing: missing,
			Extra:   extra,
			Changed: changed,
			Errors:  errors,
		}
	}
}

// WithRestore records the restore outcome counts.
func WithRestore(restored, skipped, failed int) Option {
	return func(r *Receipt) {
		r.Restore = &RestoreSummary{
			Restored: restored,
			Skipped:  skipped,
			Failed:   failed,
		}
	}
}

// WithHeal records which servers self-healing fixed and which it gave
// up on.
func WithHeal(healed, unhealed []string) Option {
	return func(r *Receipt) {
		if len(healed) == 0 && len(unhealed) == 0 {
			return
		}
		r.Heal = &HealSummary{Healed: healed, Unhealed: unhealed}
	}
}

// Finish writes the receipt. It is a no-op when no writer is
// configured. Only the first call writes; commands that exit the
// process directly call Finish before exiting, and the deferred call
// then does nothing.
func (s *Session) Finish(err error, opts ...Option) error {
	if s.done {
		return nil
	}
	s.done = true

	w := From(s.ctx)
	if w == nil {
		return nil
	}

	args, wasRedacted := RedactArgs(s.args)
	r := Receipt{
		SchemaVersion: SchemaVersion,
		OpID:          observability.OpID(s.ctx),
		TsStart:       s.start.Format(time.RFC3339Nano),
		TsEnd:         time.Now().Format(time.RFC3339Nano),
		Command:       s.command,
		Args:          args,
		ArgsRedacted:  wasRedacted,
	}

	if err != nil {
		r.Result = Result{Status: "fail", Error: truncateError(err.Error())}
	} else {
		r.Result = Result{Status: "success"}
	}

	for _, opt := range opts {
		opt(&r)
	}
	return w.Write(r)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func truncateError(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	return s[:MaxErrorLength-3] + "..."
}
