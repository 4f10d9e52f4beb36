package relay

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocID = errors.New("relay: invalid document id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("relay: invalid client id")
	// ErrInvalidUpdateID indicates that an update identifier is empty or exceeds storage bounds.
	ErrInvalidUpdateID = errors.New("relay: invalid update id")
	// ErrUpdateNotFound indicates that no stored update matches the requested identifier.
	ErrUpdateNotFound = errors.New("relay: update not found")
)

// DocID represents a validated document identifier.
type DocID string

// NewDocID validates raw input and returns a DocID.
func NewDocID(rawInput string) (DocID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocID, maxIdentifierLength)
	}
	return DocID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocID) String() string {
	return string(id)
}

// ClientID represents a validated client identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// UpdateID represents a validated update identifier.
type UpdateID string

// NewUpdateID validates raw input and returns an UpdateID.
func NewUpdateID(rawInput string) (UpdateID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUpdateID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUpdateID, maxIdentifierLength)
	}
	return UpdateID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UpdateID) String() string {
	return string(id)
}

// UpdateRecord is one appended update blob in a document's log.
type UpdateRecord struct {
	ClientID        ClientID
	UpdateID        UpdateID
	TimestampMillis int64
	Payload         []byte
}

// RegistrationState reports document tracking info after a client touch.
type RegistrationState struct {
	Clients          []string
	LastActivity     int64
	ServerTimeMillis int64
}

// AppendResult reports the stored identity of a pushed update.
type AppendResult struct {
	UpdateID        UpdateID
	TimestampMillis int64
}
