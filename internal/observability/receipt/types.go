// Package receipt emits stable evidence artifacts describing what each
// mcptap invocation did, for audit trails and CI archiving.
package receipt

// SchemaVersion of the receipt format.
const SchemaVersion = "1.0"

// Receipt is one invocation's evidence record.
type Receipt struct {
	SchemaVersion string          `json:"schema_version"`
	OpID          string          `json:"op_id"`
	TsStart       string          `json:"ts_start"`
	TsEnd         string          `json:"ts_end"`
	Command       string          `json:"command"`
	Args          []string        `json:"args"`
	ArgsRedacted  bool            `json:"args_redacted,omitempty"`
	Result        Result          `json:"result"`
	Lockfile      *LockfileRef    `json:"lockfile,omitempty"`
	Drift         *DriftSummary   `json:"drift,omitempty"`
	Restore       *RestoreSummary `json:"restore,omitempty"`
	Heal          *HealSummary    `json:"heal,omitempty"`
}

// Result records how the invocation ended.
type Result struct {
	Status string `json:"status"` // "success" or "fail"
	Error  string `json:"error,omitempty"`
}

// LockfileRef pins the lockfile the invocation ran against.
type LockfileRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256,omitempty"`
}

// DriftSummary condenses a verify run.
type DriftSummary struct {
	Checked int `json:"checked"`
	Missing int `json:"missing"`
	Extra   int `json:"extra"`
	Changed int `json:"changed"`
	Errors  int `json:"errors"`
}

// RestoreSummary condenses a restore run.
type RestoreSummary struct {
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// HealSummary lists which servers self-healing fixed and which it
// could not.
type HealSummary struct {
	Healed   []string `json:"healed,omitempty"`
	Unhealed []string `json:"unhealed,omitempty"`
}
