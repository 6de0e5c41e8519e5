// Package models defines the record types shared across internal packages.
package models

import (
	"fmt"
	"strings"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
)

// Kind names an entity kind. Each kind has its own table in the local
// store and its own upload queue.
type Kind string

const (
	KindPlants       Kind = "plants"
	KindChatMessages Kind = "chat_messages"
	KindUsers        Kind = "users"
)

// AllKinds lists every kind the local store knows about.
var AllKinds = []Kind{KindPlants, KindChatMessages, KindUsers}

// SyncKinds lists the kinds that are uploaded to the remote authority.
var SyncKinds = []Kind{KindPlants, KindChatMessages}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}

	return false
}

// SyncStatus is the upload state of a record.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// CanTransition reports whether a record may move from s to next.
// Synced is terminal: the local copy is superseded, never mutated.
// Syncing may fall back to pending only during crash recovery, when an
// upload was interrupted before its outcome was recorded.
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing
	case StatusSyncing:
		return next == StatusSynced || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	}

	return false
}

// Queued reports whether a record in this status is waiting for upload.
func (s SyncStatus) Queued() bool {
	return s == StatusPending || s == StatusFailed
}

// Origin records who authored a record.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// RecordRef identifies a record in the local store.
type RecordRef struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	LocalID uint64 `json:"local_id" yaml:"local_id"`
}

func (r RecordRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.LocalID)
}

// Record is the unit of synchronization.
type Record struct {
	LocalID        uint64     `json:"local_id"`
	ServerID       string     `json:"server_id,omitempty"`
	Kind           Kind       `json:"kind"`
	Payload        Payload    `json:"payload"`
	Signature      string     `json:"signature"`
	SyncStatus     SyncStatus `json:"sync_status"`
	Origin         Origin     `json:"origin"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSyncSuccess *time.Time `json:"last_sync_success,omitempty"`

	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`

	// Rejected is set when the remote authority refused the payload.
	// The record stays out of the queue until it is edited.
	Rejected bool `json:"rejected,omitempty"`
}

// Ref returns the store reference for r.
func (r *Record) Ref() RecordRef {
	return RecordRef{Kind: r.Kind, LocalID: r.LocalID}
}

// Transition moves r to next, returning ErrInvalidTransition when the
// lifecycle does not allow it.
func (r *Record) Transition(next SyncStatus) error {
	if !r.SyncStatus.CanTransition(next) {
		return fmt.Errorf("%s %s -> %s: %w", r.Ref(), r.SyncStatus, next, apperr.ErrInvalidTransition)
	}

	r.SyncStatus = next

	return nil
}

// AssignServerID sets the server identifier. It may be set once;
// assigning the same value again is a no-op.
func (r *Record) AssignServerID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%s: empty server id: %w", r.Ref(), apperr.ErrInvalidPayload)
	}

	if r.ServerID != "" && r.ServerID != id {
		return fmt.Errorf("%s has %q, got %q: %w", r.Ref(), r.ServerID, id, apperr.ErrServerIDAssigned)
	}

	r.ServerID = id

	return nil
}

// Modified returns the latest of the record's creation, update and
// last sync attempt times. Used as the tie-break between duplicate
// local records.
func (r *Record) Modified() time.Time {
	latest := r.CreatedAt
	if r.UpdatedAt.After(latest) {
		latest = r.UpdatedAt
	}

	if r.LastSyncAttempt != nil && r.LastSyncAttempt.After(latest) {
		latest = *r.LastSyncAttempt
	}

	return latest
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Payload = r.Payload.Clone()

	if r.LastSyncAttempt != nil {
		t := *r.LastSyncAttempt
		out.LastSyncAttempt = &t
	}

	if r.LastSyncSuccess != nil {
		t := *r.LastSyncSuccess
		out.LastSyncSuccess = &t
	}

	return out
}
