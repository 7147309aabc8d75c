package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrIndexStale means another writer registered a fingerprint after the
	// caller's last sync. The caller re-syncs and retries.
	ErrIndexStale = errors.New("fingerprint index changed since last sync")

	// ErrFingerprintExists means the claim already has a registered fingerprint.
	ErrFingerprintExists = errors.New("fingerprint already registered for claim")
)

// FingerprintRecord is one registered perceptual hash. Seq is assigned by
// the store and strictly increases with registration order.
type FingerprintRecord struct {
	Seq          int64     `json:"seq"`
	ClaimID      string    `json:"claimId"`
	Hash         string    `json:"hash"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// FingerprintStore persists the dedup index and may be shared by several
// processes.
//
// LoadFingerprints returns the records with Seq > afterSeq in registration
// order; afterSeq 0 loads everything.
//
// SaveFingerprint registers rec only if the newest stored Seq equals
// lastSeq, and returns the Seq it assigned. It fails with ErrIndexStale when
// another writer got there first and with ErrFingerprintExists when the
// claim is already registered. A failed save leaves nothing behind.
type FingerprintStore interface {
	LoadFingerprints(ctx context.Context, afterSeq int64) ([]FingerprintRecord, error)
	SaveFingerprint(ctx context.Context, rec FingerprintRecord, lastSeq int64) (int64, error)
}
