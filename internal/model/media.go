// internal/model/media.go
// Package model defines the data structures used throughout the media service.
// These structures represent the core domain objects for upload targets,
// provider assets, lesson media state, entitlements, and playback tokens.
package model

import (
	"errors"
	"time"
)

// PlaybackPolicy is the access policy attached to a provider playback ID.
// A signed policy requires a playback token; a public policy is freely
// accessible.
type PlaybackPolicy string

const (
	PolicyPublic PlaybackPolicy = "public"
	PolicySigned PlaybackPolicy = "signed"
)

// AssetStatus is the provider-side state of a transcoding asset.
type AssetStatus string

const (
	AssetPreparing AssetStatus = "preparing"
	AssetReady     AssetStatus = "ready"
	AssetErrored   AssetStatus = "errored"
)

// UploadTarget represents a single registered ingestion slot at the provider.
// Created once per upload attempt and never mutated; the reconciliation
// engine uses it to map an incoming asset_created event back to a lesson.
type UploadTarget struct {
	UploadID  string    `json:"uploadId"`
	UploadURL string    `json:"uploadUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlaybackID is a provider playback identifier with its access policy.
type PlaybackID struct {
	ID     string         `json:"id"`
	Policy PlaybackPolicy `json:"policy"`
}

// Asset mirrors the provider's view of a transcoded video, fetched on demand
// and never persisted wholesale.
type Asset struct {
	AssetID     string       `json:"assetId"`
	UploadID    string       `json:"uploadId,omitempty"`
	Status      AssetStatus  `json:"status"`
	PlaybackIDs []PlaybackID `json:"playbackIds,omitempty"`
	ErrorDetail string       `json:"errorDetail,omitempty"`
}

// Validate checks the asset's internal invariants: a ready asset must carry
// at least one playback ID, and an errored asset must carry error detail.
func (a Asset) Validate() error {
	switch a.Status {
	case AssetReady:
		if len(a.PlaybackIDs) == 0 || a.PlaybackIDs[0].ID == "" {
			return errors.New("ready asset has no playback ids")
		}
	case AssetErrored:
		if a.ErrorDetail == "" {
			return errors.New("errored asset has no error detail")
		}
	}
	return nil
}

// FindPlaybackID returns the first playback ID matching the given policy,
// or false when the asset carries none with that policy.
func (a Asset) FindPlaybackID(policy PlaybackPolicy) (PlaybackID, bool) {
	for _, p := range a.PlaybackIDs {
		if p.Policy == policy {
			return p, true
		}
	}
	return PlaybackID{}, false
}

// LessonStatus is the locally-owned lifecycle state of a lesson's video.
// Transitions are monotonic: uploading → processing → (published | errored).
type LessonStatus string

const (
	StatusUploading  LessonStatus = "uploading"
	StatusProcessing LessonStatus = "processing"
	StatusPublished  LessonStatus = "published"
	StatusErrored    LessonStatus = "errored"
)

// Rank orders lesson statuses for monotonicity checks. Published and errored
// are both terminal and rank equal; the store refuses to move between them.
func (s LessonStatus) Rank() int {
	switch s {
	case StatusUploading:
		return 0
	case StatusProcessing:
		return 1
	case StatusPublished, StatusErrored:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether the status admits no further transitions.
func (s LessonStatus) Terminal() bool {
	return s == StatusPublished || s == StatusErrored
}

// Lesson is the subset of the lesson record this service reads. The media
// fields (upload/asset/playback IDs and status) are owned here; creator_id
// and price belong to the CRUD layer and are read-only.
type Lesson struct {
	ID          string       `json:"id" db:"id"`
	CreatorID   string       `json:"creatorId" db:"creator_id"`
	PriceCents  int64        `json:"priceCents" db:"price"`
	UploadID    string       `json:"muxUploadId,omitempty" db:"mux_upload_id"`
	AssetID     string       `json:"muxAssetId,omitempty" db:"mux_asset_id"`
	PlaybackID  string       `json:"muxPlaybackId,omitempty" db:"mux_playback_id"`
	Status      LessonStatus `json:"status" db:"status"`
	ErrorDetail string       `json:"errorDetail,omitempty" db:"error_detail"`
}

// Free reports whether the lesson is purchasable for nothing, which relaxes
// the playback policy to public.
func (l Lesson) Free() bool { return l.PriceCents == 0 }

// RequiredPolicy is the playback policy a lesson's asset must carry: signed
// for paid lessons, public for free ones.
func (l Lesson) RequiredPolicy() PlaybackPolicy {
	if l.Free() {
		return PolicyPublic
	}
	return PolicySigned
}

// PurchaseStatus is the state of a purchase record as written by the
// checkout flow. Only completed purchases grant playback.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Purchase is the read-only purchase record consumed by the entitlement
// resolver. This service never writes purchase state.
type Purchase struct {
	UserID   string         `json:"userId" db:"user_id"`
	LessonID string         `json:"lessonId" db:"lesson_id"`
	Status   PurchaseStatus `json:"status" db:"status"`
}

// AccessReason explains an entitlement decision.
type AccessReason string

const (
	ReasonOwner     AccessReason = "owner"
	ReasonFree      AccessReason = "free"
	ReasonPurchased AccessReason = "purchased"
	ReasonDenied    AccessReason = "denied"
)

// Entitlement is the resolved permission state for a (user, lesson) pair.
// It is derived fresh per playback request and never persisted.
type Entitlement struct {
	HasAccess bool         `json:"hasAccess"`
	Reason    AccessReason `json:"reason"`
}

// PlaybackTokens is the set of signed tokens handed to the video player:
// one per audience (stream, thumbnail, storyboard).
type PlaybackTokens struct {
	Token           string `json:"token"`
	ThumbnailToken  string `json:"thumbnailToken"`
	StoryboardToken string `json:"storyboardToken"`
}

// TransitionEntry is one applied lifecycle transition, appended to the audit
// log. Keyed by ULID so entries sort lexicographically by time.
type TransitionEntry struct {
	ID         string       `json:"id" db:"id"`
	LessonID   string       `json:"lessonId" db:"lesson_id"`
	From       LessonStatus `json:"from" db:"from_status"`
	To         LessonStatus `json:"to" db:"to_status"`
	Source     string       `json:"source" db:"source"` // webhook | poll | selection
	Detail     string       `json:"detail,omitempty" db:"detail"`
	OccurredAt time.Time    `json:"occurredAt" db:"occurred_at"`
}

// MediaUpdate carries the owned-field changes applied by a conditional
// transition. Nil pointers leave the column untouched.
type MediaUpdate struct {
	Status      LessonStatus
	AssetID     *string
	PlaybackID  *string
	ErrorDetail *string
}

// CreateUploadRequest is the request body for registering a new upload slot.
type CreateUploadRequest struct {
	LessonID string `json:"lessonId"`
}

// CreateUploadResponse returns the provider upload target to the creator's
// upload widget.
type CreateUploadResponse struct {
	UploadID  string `json:"uploadId"`
	UploadURL string `json:"uploadUrl"`
}

// UploadStatusResponse is the client-facing poll result.
type UploadStatusResponse struct {
	LessonID   string       `json:"lessonId"`
	Status     LessonStatus `json:"status"`
	AssetID    string       `json:"assetId,omitempty"`
	PlaybackID string       `json:"playbackId,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}

// ProcessResult is returned by the server-side reconciliation poll.
type ProcessResult struct {
	Status     LessonStatus `json:"status"`
	PlaybackID string       `json:"playbackId,omitempty"`
}
