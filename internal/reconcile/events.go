// internal/reconcile/events.go
// Lifecycle events applied by the reconciliation engine. The set is a closed
// tagged union so that handling a new provider event type is a compile-time
// decision rather than a silently-ignored default branch.
package reconcile

import "github.com/SkillReel/skillreel-media-go/internal/model"

// Source identifies which delivery path observed an event. Webhook and poll
// feed the same engine; the source only matters for the audit trail.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Event is one externally-observed lifecycle change. Implementations are the
// complete set of events the engine understands.
type Event interface {
	// Kind returns the stable event name used in logs and the audit trail.
	Kind() string

	sealed()
}

// AssetCreated records that the provider created an asset for a registered
// upload. Matched to a lesson by upload ID.
type AssetCreated struct {
	UploadID string
	AssetID  string
	Source   Source
}

func (AssetCreated) Kind() string { return "asset_created" }
func (AssetCreated) sealed()      {}

// AssetReady records that transcoding finished and the asset is playable.
// Matched to a lesson by asset ID.
type AssetReady struct {
	AssetID    string
	PlaybackID model.PlaybackID
	Source     Source
}

func (AssetReady) Kind() string { return "asset_ready" }
func (AssetReady) sealed()      {}

// AssetErrored records a terminal provider-side transcoding failure.
// Matched to a lesson by asset ID.
type AssetErrored struct {
	AssetID string
	Detail  string
	Source  Source
}

func (AssetErrored) Kind() string { return "asset_errored" }
func (AssetErrored) sealed()      {}
