package models

import "time"

// StatusChange describes one committed step change, as handed to post-commit
// hooks.
type StatusChange struct {
	Old        string                 `json:"old"`
	New        string                 `json:"new"`
	Vocabulary string                 `json:"vocabulary"` // "conversation" or "decision"
	Channel    Channel                `json:"channel"`
	Data       map[string]interface{} `json:"data,omitempty"`
	At         time.Time              `json:"at"`
}
