package models

import "time"

// DependencyType is how a plan step depends on an asset.
type DependencyType string

const (
	DependencyRequired DependencyType = "required"
	DependencyOptional DependencyType = "optional"
	DependencyOutput   DependencyType = "output"
)

func (d DependencyType) Valid() bool {
	switch d {
	case DependencyRequired, DependencyOptional, DependencyOutput:
		return true
	}
	return false
}

// MessageAsset links an asset to a message. Key: (MessageID, AssetID).
type MessageAsset struct {
	MessageID string
	AssetID   string
	Version   int
	Position  int
	LinkedAt  time.Time
}

// TemplateAsset links an asset to a template slot. Key: (TemplateID, AssetID, Slot).
type TemplateAsset struct {
	TemplateID string
	AssetID    string
	Slot       string
	Version    int
	LinkedAt   time.Time
}

// PlanAsset links an asset to an execution-plan step. Key: (PlanID, StepID, AssetID).
type PlanAsset struct {
	PlanID         string
	StepID         string
	AssetID        string
	Version        int
	DependencyType DependencyType
	IsReady        bool
	ReadyAt        *time.Time
	LinkedAt       time.Time
}

// AssetSummary is the asset data joined into relation listings.
type AssetSummary struct {
	Name      string
	MimeType  string
	SizeBytes int64
	Status    AssetStatus
}

type MessageAssetView struct {
	MessageAsset
	Asset AssetSummary
}

type TemplateAssetView struct {
	TemplateAsset
	Asset AssetSummary
}

type PlanAssetView struct {
	PlanAsset
	Asset AssetSummary
}

// PlanAssetStatus aggregates readiness for a plan.
type PlanAssetStatus struct {
	PlanID          string
	Total           int
	Ready           int
	Pending         int
	RequiredPending int
	CanProceed      bool
}
