package domain

import "time"

// ConversationState decides how the next non-command message is interpreted.
type ConversationState string

const (
	StateIdle           ConversationState = "IDLE"
	StateAwaitingName   ConversationState = "AWAITING_NAME"
	StateAwaitingEmail  ConversationState = "AWAITING_EMAIL"
	StateAwaitingRating ConversationState = "AWAITING_RATING"
)

// Valid reports whether s is one of the known states.
func (s ConversationState) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingName, StateAwaitingEmail, StateAwaitingRating:
		return true
	}
	return false
}

type UserProfile struct {
	UserID      int64             `json:"userId"`
	DisplayName string            `json:"displayName,omitempty"`
	State       ConversationState `json:"state"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Submission holds one user's form answers. Optional fields stay nil until
// the matching step is completed.
type Submission struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Name      *string   `json:"name,omitempty"`
	Email     *string   `json:"email,omitempty"`
	Rating    *int      `json:"rating,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Completed bool      `json:"completed"`
}

// ExpiredAt reports whether an incomplete submission is older than timeout at now.
func (s Submission) ExpiredAt(now time.Time, timeout time.Duration) bool {
	return !s.Completed && now.After(s.CreatedAt.Add(timeout))
}

// StringPtr returns a pointer to a copy of v.
func StringPtr(v string) *string {
	return &v
}

// IntPtr returns a pointer to a copy of v.
func IntPtr(v int) *int {
	return &v
}
