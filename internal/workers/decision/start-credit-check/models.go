// internal/workers/decision/start-credit-check/models.go
package startcreditcheck

type Input struct {
	SessionID string `json:"session_id"`
}

type Output struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	ReferenceCode string `json:"reference_code,omitempty"`
	Version       int64  `json:"version"`
}
