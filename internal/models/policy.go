package models

import (
	"strings"
	"time"
)

// WildcardContext grants every action/channel pair.
const WildcardContext = "*"

// AccessContext describes why and where an asset is accessed.
type AccessContext struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

func (c AccessContext) String() string {
	return c.Action + ":" + c.Channel
}

// ParseAccessContext splits "action:channel".
func ParseAccessContext(s string) (AccessContext, bool) {
	action, channel, ok := strings.Cut(s, ":")
	if !ok || action == "" || channel == "" {
		return AccessContext{}, false
	}
	return AccessContext{Action: action, Channel: channel}, true
}

// PolicyConstraints are optional per-policy limits.
type PolicyConstraints struct {
	MaxSizeBytes      int64    `json:"max_size_bytes,omitempty"`
	AllowedMimeTypes  []string `json:"allowed_mime_types,omitempty"`
	RequireEncryption bool     `json:"require_encryption,omitempty"`
}

// AssetPolicy governs signed access for a scope. A nil AccountID is the
// system-wide row.
type AssetPolicy struct {
	ID                string
	Scope             Scope
	AllowedContexts   []string
	DefaultTTLSeconds int
	MaxTTLSeconds     int
	AccountID         *string
	Constraints       PolicyConstraints
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Allows reports whether ctx is in the allowed set.
func (p AssetPolicy) Allows(ctx AccessContext) bool {
	want := ctx.String()
	for _, c := range p.AllowedContexts {
		if c == WildcardContext || c == want {
			return true
		}
	}
	return false
}

// TTL clamps requested seconds to the policy; zero selects the default.
func (p AssetPolicy) TTL(requestedSeconds int) time.Duration {
	secs := p.DefaultTTLSeconds
	if requestedSeconds > 0 {
		secs = requestedSeconds
	}
	if p.MaxTTLSeconds > 0 && secs > p.MaxTTLSeconds {
		secs = p.MaxTTLSeconds
	}
	return time.Duration(secs) * time.Second
}

// PolicyPatch holds updatable policy fields.
type PolicyPatch struct {
	AllowedContexts   []string
	DefaultTTLSeconds *int
	MaxTTLSeconds     *int
	Constraints       *PolicyConstraints
	IsActive          *bool
}

// PolicyFilter narrows policy listings. A nil AccountID lists every owner;
// GlobalOnly restricts to system policies.
type PolicyFilter struct {
	Scope      *Scope
	AccountID  *string
	GlobalOnly bool
	ActiveOnly bool
}
