package models

import (
	"fmt"
	"time"
)

// SessionStatus is the state of an upload session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionUploading SessionStatus = "uploading"
	SessionCommitted SessionStatus = "committed"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCommitted, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// UploadSession is a time-boxed staging area for bytes in transit.
type UploadSession struct {
	ID               string
	AccountID        string
	UploadedBy       *string
	MaxSizeBytes     int64
	AllowedMimeTypes []string
	FileName         string
	MimeType         string
	TotalBytes       int64
	BytesUploaded    int64
	ChunksReceived   int
	TempStorageKey   string
	Status           SessionStatus
	ExpiresAt        time.Time
	AssetID          *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Stale reports whether a live session has passed its deadline.
func (s UploadSession) Stale(now time.Time) bool {
	return !s.Status.Terminal() && !now.Before(s.ExpiresAt)
}

// TempPrefix holds every staged object of a session.
func TempPrefix(sessionID string) string {
	return "tmp/" + sessionID + "/"
}

// TempKey is the staged location of a session's assembled content.
func TempKey(sessionID, fileName string) string {
	if fileName == "" {
		return "tmp/" + sessionID
	}
	return TempPrefix(sessionID) + fileName
}

// PartsPrefix holds chunk parts waiting to be assembled.
func PartsPrefix(sessionID string) string {
	return TempPrefix(sessionID) + "parts/"
}

// PartKey names chunk seq so lexical order equals arrival order.
func PartKey(sessionID string, seq int) string {
	return fmt.Sprintf("%s%06d", PartsPrefix(sessionID), seq)
}

// SessionUpdate carries the result of storing bytes for a session.
type SessionUpdate struct {
	ExpectedChunks int
	AddBytes       int64
	TempStorageKey string
	FileName       string
	MimeType       string
}
