package domain

import "time"

// CompletionEvent tells the mailer that a submission's video is ready.
type CompletionEvent struct {
	ExternalRef string    `json:"external_ref"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Topic       string    `json:"topic"`
	Output      string    `json:"output"`
	Link        string    `json:"link"`
	CompletedAt time.Time `json:"completed_at"`
}

// LinkEvent asks the mailer to send the recording page link to a doctor.
type LinkEvent struct {
	ExternalRef string    `json:"external_ref"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Topic       string    `json:"topic"`
	Link        string    `json:"link"`
	RequestedAt time.Time `json:"requested_at"`
}
