package models

import (
	"path"
	"strconv"
	"time"
)

// AssetStatus is the lifecycle state of a committed asset.
type AssetStatus string

const (
	AssetPending AssetStatus = "pending"
	AssetReady   AssetStatus = "ready"
	// AssetRelocationPending marks an asset whose bytes are still at the
	// staging key because the move to the permanent key failed.
	AssetRelocationPending AssetStatus = "relocation_pending"
	AssetArchived          AssetStatus = "archived"
	AssetDeleted           AssetStatus = "deleted"
)

// Scope says what an asset is used for; access policy is resolved per scope.
type Scope string

const (
	ScopeMessageAttachment Scope = "message_attachment"
	ScopeTemplateAsset     Scope = "template_asset"
	ScopeExecutionPlan     Scope = "execution_plan"
	ScopeSharedInternal    Scope = "shared_internal"
	ScopeProfileAvatar     Scope = "profile_avatar"
	ScopeWorkspaceAsset    Scope = "workspace_asset"
)

// AllScopes lists every known scope.
var AllScopes = []Scope{
	ScopeMessageAttachment,
	ScopeTemplateAsset,
	ScopeExecutionPlan,
	ScopeSharedInternal,
	ScopeProfileAvatar,
	ScopeWorkspaceAsset,
}

func (s Scope) Valid() bool {
	for _, v := range AllScopes {
		if s == v {
			return true
		}
	}
	return false
}

// DedupPolicy is the scope inside which identical content collapses to one asset.
type DedupPolicy string

const (
	DedupNone           DedupPolicy = "none"
	DedupIntraAccount   DedupPolicy = "intra_account"
	DedupIntraWorkspace DedupPolicy = "intra_workspace"
)

func (p DedupPolicy) Valid() bool {
	switch p {
	case DedupNone, DedupIntraAccount, DedupIntraWorkspace:
		return true
	}
	return false
}

// Asset is a registered binary object.
type Asset struct {
	ID              string
	AccountID       string
	WorkspaceID     *string
	Name            string
	OriginalName    *string
	MimeType        string
	SizeBytes       int64
	ChecksumSHA256  string
	StorageKey      string
	StorageProvider string
	Scope           Scope
	DedupPolicy     DedupPolicy
	Status          AssetStatus
	Version         int
	Metadata        map[string]any
	CreatedBy       *string
	HardDeleteAt    *time.Time
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Servable reports whether the asset's bytes may be handed out.
// A relocation-pending asset still has valid bytes at its staging key.
func (a Asset) Servable() bool {
	return a.Status == AssetReady || a.Status == AssetRelocationPending
}

// DedupScope identifies where checksum uniqueness applies.
type DedupScope struct {
	Policy      DedupPolicy
	AccountID   string
	WorkspaceID string
}

// ResolveDedupScope narrows policy to a concrete scope. A workspace policy
// without a workspace falls back to the account.
func ResolveDedupScope(policy DedupPolicy, accountID string, workspaceID *string) DedupScope {
	if policy == DedupIntraWorkspace && (workspaceID == nil || *workspaceID == "") {
		policy = DedupIntraAccount
	}
	ds := DedupScope{Policy: policy, AccountID: accountID}
	if policy == DedupIntraWorkspace {
		ds.WorkspaceID = *workspaceID
	}
	return ds
}

// Key is a stable string for lock names.
func (d DedupScope) Key() string {
	switch d.Policy {
	case DedupIntraWorkspace:
		return "ws:" + d.WorkspaceID
	default:
		return "acct:" + d.AccountID
	}
}

// AssetPrefix is the storage prefix holding every version of an asset.
func AssetPrefix(accountID, assetID string) string {
	return accountID + "/" + assetID + "/"
}

// PermanentKey is where version v of an asset lives: {accountId}/{assetId}/{version}.
func PermanentKey(accountID, assetID string, version int) string {
	return AssetPrefix(accountID, assetID) + strconv.Itoa(version)
}

// VersionFromKey parses the version suffix of a permanent key.
func VersionFromKey(key string) (int, bool) {
	v, err := strconv.Atoi(path.Base(key))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// AssetFilter narrows Search results. AccountID is mandatory.
type AssetFilter struct {
	AccountID     string
	WorkspaceID   *string
	Scope         *Scope
	Statuses      []AssetStatus
	MimePrefix    string
	NameContains  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// AssetPatch holds the caller-editable fields.
type AssetPatch struct {
	Name        *string
	WorkspaceID *string
	Metadata    map[string]any
}

// AssetVersion describes one stored version of an asset.
type AssetVersion struct {
	Version      int
	StorageKey   string
	SizeBytes    int64
	LastModified time.Time
	Current      bool
}

// VersionUpdate repoints an asset at newly stored content.
type VersionUpdate struct {
	Version        int
	StorageKey     string
	SizeBytes      int64
	ChecksumSHA256 string
	MimeType       string
}
