package protocol

type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

type CriterionResult struct {
	Index        int      `json:"index"`
	Criterion    string   `json:"criterion"`
	Verdict      Verdict  `json:"verdict"`
	EvidenceRefs []string `json:"evidence_refs"`
	Note         string   `json:"note,omitempty"`
}

type VerificationReport struct {
	Meta
	ReceiptID             string                 `json:"receipt_id,omitempty"`
	Results               []CriterionResult      `json:"criteria_results"`
	UnresolvedDoubts      []string               `json:"unresolved_doubts"`
	ClarificationRequests []ClarificationRequest `json:"clarification_requests,omitempty"`
}

func (r *VerificationReport) HasFailures() bool {
	if r == nil {
		return false
	}
	for _, c := range r.Results {
		if c.Verdict == VerdictFail {
			return true
		}
	}
	return false
}

func (r *VerificationReport) HasInconclusive() bool {
	if r == nil {
		return false
	}
	for _, c := range r.Results {
		if c.Verdict == VerdictInconclusive {
			return true
		}
	}
	return false
}

// AllPassed is false for an empty report: no verdicts is no evidence.
func (r *VerificationReport) AllPassed() bool {
	if r == nil || len(r.Results) == 0 {
		return false
	}
	for _, c := range r.Results {
		if c.Verdict != VerdictPass {
			return false
		}
	}
	return true
}
