package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// QueueRequest is the body accepted by every queue operation.
// UserID is accepted as an alias for ID so older clients keep working.
type QueueRequest struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
}

// ParticipantID returns ID, falling back to the legacy UserID field.
func (r QueueRequest) ParticipantID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.UserID
}

// JoinResult is returned after a participant enters the queue.
type JoinResult struct {
	Success      bool   `json:"success"`
	Position     int64  `json:"position"`
	TotalInQueue int64  `json:"totalInQueue"`
	ID           string `json:"id"`
}

// QueueStatus represents the current status of a participant in the queue.
// Position is nil when the participant is unknown to the queue and must re-join.
type QueueStatus struct {
	Success      bool   `json:"success"`
	Position     *int64 `json:"position"`
	TotalInQueue int64  `json:"totalInQueue"`
	IsHead       bool   `json:"isHead"`
	CanProceed   bool   `json:"canProceed"`
}

// CompleteResult is returned when a participant finishes its admission window.
// AccessCode is nil when the participant was no longer queued.
type CompleteResult struct {
	Success    bool    `json:"success"`
	AccessCode *string `json:"accessCode"`
	AccessPass string  `json:"accessPass,omitempty"`
	NextUser   *string `json:"nextUser"`
}

// LeaveResult acknowledges a voluntary withdrawal.
type LeaveResult struct {
	Success bool `json:"success"`
}

// VerifyRequest carries either a raw access code or a signed admission pass.
type VerifyRequest struct {
	Code string `json:"code,omitempty"`
	Pass string `json:"pass,omitempty"`
}

// VerifyResult reports whether a credential is currently valid.
type VerifyResult struct {
	Success bool   `json:"success"`
	Valid   bool   `json:"valid"`
	ID      string `json:"id,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AdmissionPass claims for the signed pass handed out alongside an access code.
type AdmissionPass struct {
	ParticipantID string `json:"pid"`
	AccessCode    string `json:"code"`
	jwt.RegisteredClaims
}

// EventType names an admission lifecycle event.
type EventType string

const (
	EventJoined         EventType = "joined"
	EventLeft           EventType = "left"
	EventAdmitted       EventType = "admitted"
	EventCountdownArmed EventType = "countdown_armed"
	EventReaped         EventType = "reaped"
)

// QueueEvent is published to the event bus when the queue changes.
type QueueEvent struct {
	EventID       string    `json:"event_id"`
	Type          EventType `json:"type"`
	ParticipantID string    `json:"participant_id"`
	NextUser      string    `json:"next_user,omitempty"`
	Position      int64     `json:"position,omitempty"`
	TotalInQueue  int64     `json:"total_in_queue,omitempty"`
	Source        string    `json:"source,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
