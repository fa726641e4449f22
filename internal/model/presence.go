package model

// CustomStatus is an optional user-set status line.
type CustomStatus struct {
	Text  string `json:"text,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// PresenceRecord is the raw per-user presence state pushed by the
// backend. Never persisted. The presence tracker derives effective
// online state from Online and LastSeen recency.
type PresenceRecord struct {
	UserID       string        `json:"user_id"`
	Online       bool          `json:"online"`
	LastSeen     int64         `json:"last_seen"`
	CustomStatus *CustomStatus `json:"custom_status,omitempty"`
}
