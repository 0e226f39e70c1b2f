package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SubmissionState string

const (
	StateIdle       SubmissionState = "idle"
	StateReceiving  SubmissionState = "receiving"
	StateFinalizing SubmissionState = "finalizing"
	StateCompleted  SubmissionState = "completed"
)

// Submission is a doctor's video recording record. PendingChunks and
// FinalizedOutputs hold bare filenames; the chunk store resolves them against
// the submission directory.
type Submission struct {
	ID               int64      `json:"id"`
	ExternalRef      string     `json:"external_ref"`
	Name             string     `json:"name"`
	Degree           string     `json:"degree,omitempty"`
	Topic            string     `json:"topic"`
	Email            string     `json:"email"`
	Mobile           string     `json:"mobile,omitempty"`
	PendingChunks    []string   `json:"pending_chunks"`
	FinalizedOutputs []string   `json:"finalized_outputs"`
	Processing       bool       `json:"processing"`
	ProcessingSince  *time.Time `json:"processing_since,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// State derives the workflow state from the persisted fields.
func (s *Submission) State() SubmissionState {
	switch {
	case s.Processing:
		return StateFinalizing
	case len(s.PendingChunks) > 0:
		return StateReceiving
	case len(s.FinalizedOutputs) > 0:
		return StateCompleted
	default:
		return StateIdle
	}
}

func (s *Submission) HasPending(name string) bool {
	for _, pending := range s.PendingChunks {
		if pending == name {
			return true
		}
	}
	return false
}

func (s *Submission) HasOutput(name string) bool {
	for _, output := range s.FinalizedOutputs {
		if output == name {
			return true
		}
	}
	return false
}

// LatestOutput returns the most recently finalized output, or "".
func (s *Submission) LatestOutput() string {
	if len(s.FinalizedOutputs) == 0 {
		return ""
	}
	return s.FinalizedOutputs[len(s.FinalizedOutputs)-1]
}

type RegisterRequest struct {
	Name   string `json:"name"`
	Degree string `json:"degree"`
	Topic  string `json:"topic"`
	Email  string `json:"email"`
	Mobile string `json:"mobile"`
}

func (r RegisterRequest) Normalize() RegisterRequest {
	return RegisterRequest{
		Name:   strings.TrimSpace(r.Name),
		Degree: strings.TrimSpace(r.Degree),
		Topic:  strings.TrimSpace(r.Topic),
		Email:  strings.ToLower(strings.TrimSpace(r.Email)),
		Mobile: strings.TrimSpace(r.Mobile),
	}
}

// Validate returns a descriptive error for the first invalid field.
func (r RegisterRequest) Validate() error {
	switch {
	case r.Name == "":
		return fieldError("name", "cannot be left blank")
	case len(r.Name) > 100:
		return fieldError("name", "must not exceed 100 characters")
	case r.Topic == "":
		return fieldError("topic", "cannot be left blank")
	case r.Email == "":
		return fieldError("email", "cannot be left blank")
	}
	addr, err := mail.ParseAddress(r.Email)
	if err != nil || addr.Address != r.Email {
		return fieldError("email", "invalid email format")
	}
	return nil
}

// ValidateRef rejects anything that is not a canonical uuid, so refs are
// always safe to use as directory names.
func ValidateRef(ref string) error {
	parsed, err := uuid.Parse(ref)
	if err != nil || parsed.String() != ref {
		return fieldError("ref", "must be a canonical uuid")
	}
	return nil
}

type fieldErr struct {
	field   string
	message string
}

func (e fieldErr) Error() string {
	return e.field + ": " + e.message
}

func fieldError(field, message string) error {
	return WrapError(ErrInvalidInput, "validate", fieldErr{field: field, message: message})
}
