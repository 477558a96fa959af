package models

import "time"

// AuditAction enumerates lifecycle and access events.
type AuditAction string

const (
	ActionUploadStarted   AuditAction = "upload_started"
	ActionUploadCompleted AuditAction = "upload_completed"
	ActionUploadFailed    AuditAction = "upload_failed"
	ActionDownload        AuditAction = "download"
	ActionURLSigned       AuditAction = "url_signed"
	ActionStateChanged    AuditAction = "state_changed"
	ActionDedupApplied    AuditAction = "dedup_applied"
	ActionDeleted         AuditAction = "deleted"
	ActionPurged          AuditAction = "purged"
	ActionAccessDenied    AuditAction = "access_denied"
	ActionLinked          AuditAction = "linked"
	ActionUnlinked        AuditAction = "unlinked"
)

// ActorType says who performed an action.
type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorAssistant ActorType = "assistant"
	ActorSystem    ActorType = "system"
)

// Actor is the authenticated principal behind a call.
type Actor struct {
	ID   string    `json:"id,omitempty"`
	Type ActorType `json:"type"`
}

// SystemActor is used by sweeps and reconciliation.
var SystemActor = Actor{Type: ActorSystem}

// Caller is the (account, actor) pair supplied by the upstream auth layer.
type Caller struct {
	AccountID string
	Actor     Actor
}

// AuditLogEntry is one immutable ledger row.
type AuditLogEntry struct {
	ID           string         `json:"id"`
	AssetID      *string        `json:"asset_id,omitempty"`
	SessionID    *string        `json:"session_id,omitempty"`
	Action       AuditAction    `json:"action"`
	ActorID      *string        `json:"actor_id,omitempty"`
	ActorType    ActorType      `json:"actor_type"`
	Context      *AccessContext `json:"context,omitempty"`
	AccountID    string         `json:"account_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// AuditFilter narrows audit queries. AccountID is mandatory.
type AuditFilter struct {
	AccountID string
	AssetID   string
	SessionID string
	ActorID   string
	Actions   []AuditAction
	Success   *bool
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// ActionCounts aggregates audit rows for a report window.
type ActionCounts struct {
	ByAction map[AuditAction]int64
	Failed   int64
}
