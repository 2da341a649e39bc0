// internal/workers/decision/apply-underwriting-result/models.go
package applyunderwritingresult

// Input is the bank's verdict as delivered by the process.
type Input struct {
	SessionID   string                 `json:"session_id"`
	CheckType   string                 `json:"check_type"`   // FCB | SSB
	CheckStatus string                 `json:"check_status"` // A, B, S, F or P
	Reason      string                 `json:"reason,omitempty"`
	CheckResult map[string]interface{} `json:"check_result,omitempty"`
}

type Output struct {
	SessionID string   `json:"session_id"`
	Applied   bool     `json:"applied"`
	Status    string   `json:"status"`
	Path      []string `json:"path,omitempty"`
	Version   int64    `json:"version"`
}
