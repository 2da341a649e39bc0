package models

// Notification is one entry of the per-state notification history kept in
// metadata.notifications.
type Notification struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"` // success | error | info
	Title        string               `json:"title"`
	Message      string               `json:"message"`
	Priority     string               `json:"priority"` // high | medium | low
	Read         bool                 `json:"read"`
	StatusChange map[string]string    `json:"status_change"`
	Actions      []NotificationAction `json:"actions,omitempty"`
	Channels     []string             `json:"channels,omitempty"` // sms, email, websocket
	Timestamp    string               `json:"timestamp"`
}

type NotificationAction struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	URL   string `json:"url"`
}
