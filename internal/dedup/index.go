package dedup

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// DefaultThreshold is the exclusive Hamming bound: distance < 5 is a duplicate.
const DefaultThreshold = 5

// maxRegisterAttempts bounds re-sync rounds when other writers keep winning.
const maxRegisterAttempts = 5

type entry struct {
	claimID string
	fp      Fingerprint
}

// Index is a registry of bill fingerprints backed by a FingerprintStore.
//
// LookupOrRegister is linearizable across every Index sharing the store:
// the in-memory slice is a cache of the store, caught up to the newest Seq
// before each scan, and a registration is only written if no other writer
// registered since that catch-up. The mutex serializes callers within the
// process; the conditional write serializes processes.
type Index struct {
	mu        sync.Mutex
	store     domain.FingerprintStore
	entries   []entry
	byClaim   map[string]int
	lastSeq   int64
	threshold int
	hasher    Hasher
	now       func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(n int) Option {
	return func(x *Index) {
		if n > 0 {
			x.threshold = n
		}
	}
}

// WithHasher overrides the perceptual hash function.
func WithHasher(h Hasher) Option {
	return func(x *Index) {
		if h != nil {
			x.hasher = h
		}
	}
}

// Open loads every stored fingerprint in registration order.
func Open(ctx context.Context, store domain.FingerprintStore, opts ...Option) (*Index, error) {
	x := &Index{
		store:     store,
		byClaim:   make(map[string]int),
		threshold: DefaultThreshold,
		hasher:    PerceptualHash,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}

	if err := x.sync(ctx); err != nil {
		return nil, err
	}

	slog.Info("fingerprint index loaded", "entries", len(x.entries), "threshold", x.threshold)
	return x, nil
}

// Threshold returns the configured match bound.
func (x *Index) Threshold() int { return x.threshold }

// Size returns the number of registered fingerprints.
func (x *Index) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

// Fingerprint hashes an image with the index's hasher.
func (x *Index) Fingerprint(img image.Image) (Fingerprint, error) {
	return x.hasher(img)
}

// LookupOrRegister hashes the image and either reports the earliest
// registered near-duplicate or registers it under claimID.
func (x *Index) LookupOrRegister(ctx context.Context, claimID string, img image.Image) (domain.DuplicateVerdict, error) {
	if claimID == "" {
		return domain.DuplicateVerdict{}, &domain.InputValidationError{Stage: domain.StageDedup, Field: "claim_id", Err: fmt.Errorf("must not be empty")}
	}
	if img == nil {
		return domain.DuplicateVerdict{}, &domain.InputValidationError{ClaimID: claimID, Stage: domain.StageDedup, Field: "image", Err: fmt.Errorf("must not be nil")}
	}
	fp, err := x.hasher(img)
	if err != nil {
		return domain.DuplicateVerdict{}, &domain.InputValidationError{ClaimID: claimID, Stage: domain.StageDedup, Field: "image", Err: err}
	}
	return x.LookupOrRegisterFingerprint(ctx, claimID, fp)
}

// LookupOrRegisterFingerprint is LookupOrRegister for a precomputed fingerprint.
//
// A claim that is already registered is never re-registered, and a match
// against its own earlier registration is not reported as a duplicate, so
// retries of the same claim are idempotent.
func (x *Index) LookupOrRegisterFingerprint(ctx context.Context, claimID string, fp Fingerprint) (domain.DuplicateVerdict, error) {
	if fp.IsZero() {
		return domain.DuplicateVerdict{}, &domain.InputValidationError{ClaimID: claimID, Stage: domain.StageDedup, Field: "fingerprint", Err: fmt.Errorf("must not be empty")}
	}
	if err := ctx.Err(); err != nil {
		return domain.DuplicateVerdict{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for attempt := 1; attempt <= maxRegisterAttempts; attempt++ {
		if err := x.sync(ctx); err != nil {
			var pe *domain.IndexPersistenceError
			if errors.As(err, &pe) && pe.ClaimID == "" {
				pe.ClaimID = claimID
			}
			return domain.DuplicateVerdict{}, err
		}

		if match, dist, ok := x.nearest(fp, claimID); ok {
			return duplicateVerdict(match, dist), nil
		}
		if _, registered := x.byClaim[claimID]; registered {
			return uniqueVerdict(), nil
		}

		rec := domain.FingerprintRecord{ClaimID: claimID, Hash: fp.String(), RegisteredAt: x.now().UTC()}
		seq, err := x.store.SaveFingerprint(ctx, rec, x.lastSeq)
		switch {
		case err == nil:
			x.add(claimID, fp, seq)
			return uniqueVerdict(), nil
		case errors.Is(err, domain.ErrIndexStale), errors.Is(err, domain.ErrFingerprintExists):
			slog.Debug("fingerprint index moved, re-syncing",
				"claim_id", claimID,
				"attempt", attempt,
			)
		default:
			return domain.DuplicateVerdict{}, &domain.IndexPersistenceError{ClaimID: claimID, Stage: domain.StageIndexWrite, Err: err}
		}
	}
	return domain.DuplicateVerdict{}, &domain.IndexPersistenceError{
		ClaimID: claimID,
		Stage:   domain.StageIndexWrite,
		Err:     fmt.Errorf("%w after %d attempts", domain.ErrIndexStale, maxRegisterAttempts),
	}
}

// Check reports the earliest near-duplicate without registering anything.
func (x *Index) Check(ctx context.Context, img image.Image) (domain.DuplicateVerdict, error) {
	if img == nil {
		return domain.DuplicateVerdict{}, &domain.InputValidationError{Stage: domain.StageDedup, Field: "image", Err: fmt.Errorf("must not be nil")}
	}
	fp, err := x.hasher(img)
	if err != nil {
		return domain.DuplicateVerdict{}, &domain.InputValidationError{Stage: domain.StageDedup, Field: "image", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return domain.DuplicateVerdict{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.sync(ctx); err != nil {
		return domain.DuplicateVerdict{}, err
	}
	if match, dist, ok := x.nearest(fp, ""); ok {
		return duplicateVerdict(match, dist), nil
	}
	return uniqueVerdict(), nil
}

// sync appends records registered since lastSeq, by this or any other
// process. Callers must hold x.mu, except Open.
func (x *Index) sync(ctx context.Context) error {
	records, err := x.store.LoadFingerprints(ctx, x.lastSeq)
	if err != nil {
		return &domain.IndexPersistenceError{Stage: domain.StageIndexLoad, Err: err}
	}
	for _, rec := range records {
		fp, err := ParseFingerprint(rec.Hash)
		if err != nil {
			return &domain.IndexPersistenceError{ClaimID: rec.ClaimID, Stage: domain.StageIndexLoad, Err: err}
		}
		x.add(rec.ClaimID, fp, rec.Seq)
	}
	return nil
}

// add records one registration and advances lastSeq.
func (x *Index) add(claimID string, fp Fingerprint, seq int64) {
	if seq > x.lastSeq {
		x.lastSeq = seq
	}
	if _, dup := x.byClaim[claimID]; dup {
		return
	}
	x.byClaim[claimID] = len(x.entries)
	x.entries = append(x.entries, entry{claimID: claimID, fp: fp})
}

// nearest returns the first entry in registration order within threshold,
// skipping entries owned by self. Callers must hold x.mu.
func (x *Index) nearest(fp Fingerprint, self string) (string, int, bool) {
	for _, e := range x.entries {
		if e.claimID == self {
			continue
		}
		dist, err := fp.Distance(e.fp)
		if err != nil {
			slog.Warn("skipping incomparable fingerprint", "claim_id", e.claimID, "error", err)
			continue
		}
		if dist < x.threshold {
			return e.claimID, dist, true
		}
	}
	return "", 0, false
}

func duplicateVerdict(original string, dist int) domain.DuplicateVerdict {
	return domain.DuplicateVerdict{
		IsDuplicate:     true,
		OriginalClaimID: original,
		Distance:        dist,
		Message:         fmt.Sprintf("Duplicate of Claim #%s (Diff: %d)", original, dist),
	}
}

func uniqueVerdict() domain.DuplicateVerdict {
	return domain.DuplicateVerdict{Message: "Unique"}
}
