package protocol

import "time"

type ItemStatus string

const (
	ItemPassed  ItemStatus = "passed"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"
)

// ChecklistItem is one host-run validation command and its captured output.
type ChecklistItem struct {
	Item       string     `json:"item"`
	Category   string     `json:"category,omitempty"`
	Command    string     `json:"command"`
	Status     ItemStatus `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	DurationMS int64      `json:"duration_ms"`
	TimedOut   bool       `json:"timed_out,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	CapturedAt time.Time  `json:"captured_at"`
	Digest     string     `json:"digest"`
	Reason     string     `json:"reason,omitempty"`
}

// ChecklistReceipt is host-produced evidence. It is valid iff no item failed.
type ChecklistReceipt struct {
	Meta
	Attempt     int             `json:"attempt"`
	CompletedAt time.Time       `json:"completed_at"`
	Checklist   []ChecklistItem `json:"checklist"`
	// CriteriaEvidence maps a 0-based acceptance criterion index to the
	// checklist item names that bear on it.
	CriteriaEvidence map[int][]string `json:"criteria_evidence,omitempty"`
}

func (r *ChecklistReceipt) Valid() bool {
	if r == nil {
		return false
	}
	for _, it := range r.Checklist {
		if it.Status == ItemFailed {
			return false
		}
	}
	return true
}

func (r *ChecklistReceipt) FailedItems() []ChecklistItem {
	if r == nil {
		return nil
	}
	var out []ChecklistItem
	for _, it := range r.Checklist {
		if it.Status == ItemFailed {
			out = append(out, it)
		}
	}
	return out
}

// HasCapturedEvidence reports whether any item carries a real exit code.
func (r *ChecklistReceipt) HasCapturedEvidence() bool {
	if r == nil {
		return false
	}
	for _, it := range r.Checklist {
		if it.ExitCode != nil {
			return true
		}
	}
	return false
}

func (r *ChecklistReceipt) Item(name string) (ChecklistItem, bool) {
	if r != nil {
		for _, it := range r.Checklist {
			if it.Item == name {
				return it, true
			}
		}
	}
	return ChecklistItem{}, false
}
