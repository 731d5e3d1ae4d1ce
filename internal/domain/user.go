// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrIDEmpty            = errors.New("participant id empty")
	ErrIDTooLong          = errors.New("participant id too long")
	ErrIDInvalid          = errors.New("participant id contains reserved characters")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// ParticipantID is opaque and assigned by the identity provider.
type ParticipantID string

func (id ParticipantID) String() string { return string(id) }

// Participant is immutable for the lifetime of a session.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
}

// NewParticipant validates an identity handed over by the identity provider.
func NewParticipant(id, displayName string) (Participant, error) {
	if err := ValidateID(id); err != nil {
		return Participant{}, err
	}
	if len(displayName) == 0 {
		return Participant{}, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return Participant{}, ErrDisplayNameTooLong
	}
	return Participant{ID: ParticipantID(id), DisplayName: displayName}, nil
}

// NewGuest builds a participant with a fresh random id.
func NewGuest(displayName string) (Participant, error) {
	return NewParticipant(uuid.NewString(), displayName)
}

// ValidateID rejects ids that would break key layouts ("/" and "|" are separators).
func ValidateID(id string) error {
	if len(id) == 0 {
		return ErrIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrIDTooLong
	}
	if strings.ContainsAny(id, "/|") {
		return ErrIDInvalid
	}
	return nil
}
