// Package types holds the payloads exchanged between the reaper workflow and
// its activities. Fields are JSON encoded by the Temporal data converter.
package types

// SweepParams bounds how many items one activity run handles.
type SweepParams struct {
	Limit int `json:"limit"`
}

// ReaperParams configures one ReaperWorkflow run. Zero limits use the
// activity defaults.
type ReaperParams struct {
	SessionLimit   int `json:"session_limit"`
	PurgeLimit     int `json:"purge_limit"`
	ReconcileLimit int `json:"reconcile_limit"`
}

type SessionSweepStats struct {
	Expired       int `json:"expired"`
	CleanupFailed int `json:"cleanup_failed"` // temp bytes left behind
}

type PurgeStats struct {
	Purged int      `json:"purged"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"` // "assetID: cause"
}

type ReconcileStats struct {
	Relocated int `json:"relocated"`
	Failed    int `json:"failed"`
}

// ReaperResult aggregates one pass over every sweep.
type ReaperResult struct {
	Sessions  SessionSweepStats `json:"sessions"`
	Purge     PurgeStats        `json:"purge"`
	Reconcile ReconcileStats    `json:"reconcile"`
}
