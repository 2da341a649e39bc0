package models

import "time"

// Application is the result of finalizing a completed conversation.
type Application struct {
	ApplicationID          string    `json:"applicationId"`
	SessionID              string    `json:"sessionId"`
	ReferenceCode          string    `json:"referenceCode"`
	ReferenceCodeExpiresAt time.Time `json:"referenceCodeExpiresAt"`
	CreatedAt              time.Time `json:"createdAt"`
}
