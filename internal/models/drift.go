package models

// DriftType enum
type DriftType string

const (
	DriftMissing        DriftType = "MISSING"
	DriftExtra          DriftType = "EXTRA"
	DriftConfigChanged  DriftType = "CONFIG_CHANGED"
	DriftToolsChanged   DriftType = "TOOLS_CHANGED"
	DriftVersionChanged DriftType = "VERSION_CHANGED"
)

// Severity enum
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Rank orders severities for sorting and comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// DriftEntry is one detected discrepancy between the lockfile and the
// live state.
type DriftEntry struct {
	Server   string    `json:"server"`
	Type     DriftType `json:"drift_type"`
	Detail   string    `json:"detail"`
	Severity Severity  `json:"severity"`
}

// VerifyResult wraps a drift report with totals for the caller.
type VerifyResult struct {
	Entries []DriftEntry `json:"entries"`
	Missing int          `json:"missing"`
	Extra   int          `json:"extra"`
	Changed int          `json:"changed"`
	Checked int          `json:"checked"`
}

// Clean reports an empty diff.
func (v *VerifyResult) Clean() bool {
	return len(v.Entries) == 0
}

// Worst returns the highest severity present, or SeverityInfo when clean.
func (v *VerifyResult) Worst() Severity {
	worst := SeverityInfo
	for _, e := range v.Entries {
		if e.Severity.Rank() > worst.Rank() {
			worst = e.Severity
		}
	}
	return worst
}
