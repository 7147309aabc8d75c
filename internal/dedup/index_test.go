package dedup

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	records []domain.FingerprintRecord
	failAt  int // fail the nth save (1-based); 0 never fails
	saves   int
	loadErr error

	// beforeSave runs inside every save, standing in for another writer.
	beforeSave func(m *memStore)
}

func (m *memStore) LoadFingerprints(ctx context.Context, afterSeq int64) ([]domain.FingerprintRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []domain.FingerprintRecord
	for _, rec := range m.records {
		if rec.Seq > afterSeq {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) SaveFingerprint(ctx context.Context, rec domain.FingerprintRecord, lastSeq int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failAt > 0 && m.saves == m.failAt {
		return 0, errors.New("disk full")
	}
	if m.beforeSave != nil {
		m.beforeSave(m)
	}
	for _, r := range m.records {
		if r.ClaimID == rec.ClaimID {
			return 0, domain.ErrFingerprintExists
		}
	}
	if int64(len(m.records)) != lastSeq {
		return 0, domain.ErrIndexStale
	}
	return m.appendLocked(rec.ClaimID, rec.Hash), nil
}

// appendLocked registers a record directly. Callers hold m.mu.
func (m *memStore) appendLocked(claimID, hash string) int64 {
	seq := int64(len(m.records)) + 1
	m.records = append(m.records, domain.FingerprintRecord{Seq: seq, ClaimID: claimID, Hash: hash})
	return seq
}

// billImage draws a deterministic gradient with a few dark bars.
func billImage(seed int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			v := uint8((x*seed + y*3) % 256)
			if (y/16+seed)%3 == 0 {
				v = 20
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func openIndex(t *testing.T, store *memStore, opts ...Option) *Index {
	t.Helper()
	x, err := Open(context.Background(), store, opts...)
	require.NoError(t, err)
	return x
}

func TestLookupOrRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("SameImageTwiceIsDuplicate", func(t *testing.T) {
		store := &memStore{}
		x := openIndex(t, store)

		v, err := x.LookupOrRegister(ctx, "claim-1", billImage(7))
		require.NoError(t, err)
		assert.False(t, v.IsDuplicate)
		assert.Equal(t, "Unique", v.Message)

		v, err = x.LookupOrRegister(ctx, "claim-2", billImage(7))
		require.NoError(t, err)
		assert.True(t, v.IsDuplicate)
		assert.Equal(t, "claim-1", v.OriginalClaimID)
		assert.Equal(t, 0, v.Distance)
		assert.Equal(t, "Duplicate of Claim #claim-1 (Diff: 0)", v.Message)

		assert.Equal(t, 1, x.Size(), "duplicates are not registered")
		assert.Len(t, store.records, 1)
	})

	t.Run("DistanceAtThresholdIsUnique", func(t *testing.T) {
		x := openIndex(t, &memStore{})

		v, err := x.LookupOrRegisterFingerprint(ctx, "a", NewFingerprint(0))
		require.NoError(t, err)
		assert.False(t, v.IsDuplicate)

		// 0x1F differs from 0 in exactly five bits.
		v, err = x.LookupOrRegisterFingerprint(ctx, "b", NewFingerprint(0x1F))
		require.NoError(t, err)
		assert.False(t, v.IsDuplicate)

		// 0xF00 is four bits from 0 and far from 0x1F.
		v, err = x.LookupOrRegisterFingerprint(ctx, "c", NewFingerprint(0xF00))
		require.NoError(t, err)
		assert.True(t, v.IsDuplicate)
		assert.Equal(t, "a", v.OriginalClaimID)
		assert.Equal(t, 4, v.Distance)
	})

	t.Run("EarliestRegistrationWins", func(t *testing.T) {
		x := openIndex(t, &memStore{})
		_, err := x.LookupOrRegisterFingerprint(ctx, "first", NewFingerprint(0x0))
		require.NoError(t, err)
		_, err = x.LookupOrRegisterFingerprint(ctx, "second", NewFingerprint(0xFF))
		require.NoError(t, err)

		// 0x7 is within threshold of "first" (3 bits); "second" is 5 bits away.
		v, err := x.LookupOrRegisterFingerprint(ctx, "third", NewFingerprint(0x7))
		require.NoError(t, err)
		assert.Equal(t, "first", v.OriginalClaimID)
	})

	t.Run("SameClaimRetryIsIdempotent", func(t *testing.T) {
		store := &memStore{}
		x := openIndex(t, store)

		_, err := x.LookupOrRegisterFingerprint(ctx, "claim-9", NewFingerprint(0xABCD))
		require.NoError(t, err)
		v, err := x.LookupOrRegisterFingerprint(ctx, "claim-9", NewFingerprint(0xABCD))
		require.NoError(t, err)
		assert.False(t, v.IsDuplicate)
		assert.Len(t, store.records, 1)
	})

	t.Run("CustomThreshold", func(t *testing.T) {
		x := openIndex(t, &memStore{}, WithThreshold(2))
		assert.Equal(t, 2, x.Threshold())
		_, _ = x.LookupOrRegisterFingerprint(ctx, "a", NewFingerprint(0))
		v, err := x.LookupOrRegisterFingerprint(ctx, "b", NewFingerprint(0x3))
		require.NoError(t, err)
		assert.False(t, v.IsDuplicate)
	})

	t.Run("NilImageRejected", func(t *testing.T) {
		x := openIndex(t, &memStore{})
		_, err := x.LookupOrRegister(ctx, "claim-1", nil)
		assert.ErrorIs(t, err, domain.ErrInputValidation)
		var ive *domain.InputValidationError
		require.ErrorAs(t, err, &ive)
		assert.Equal(t, "claim-1", ive.ClaimID)
		assert.Equal(t, domain.StageDedup, ive.Stage)
	})
}

func TestPersistenceFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := &memStore{failAt: 1}
	x := openIndex(t, store)

	_, err := x.LookupOrRegisterFingerprint(ctx, "claim-1", NewFingerprint(0x1234))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIndexPersistence)
	var pe *domain.IndexPersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "claim-1", pe.ClaimID)
	assert.Equal(t, domain.StageIndexWrite, pe.Stage)

	assert.Equal(t, 0, x.Size())

	// The failed registration is invisible: a similar document is unique.
	v, err := x.LookupOrRegisterFingerprint(ctx, "claim-2", NewFingerprint(0x1234))
	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
}

func TestOpenRestoresRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	x := openIndex(t, store)
	for i, bits := range []uint64{0x0, 0xF0F0, 0xFFFF0000} {
		_, err := x.LookupOrRegisterFingerprint(ctx, fmt.Sprintf("claim-%d", i), NewFingerprint(bits))
		require.NoError(t, err)
	}

	reopened := openIndex(t, store)
	assert.Equal(t, 3, reopened.Size())

	v, err := reopened.LookupOrRegisterFingerprint(ctx, "claim-new", NewFingerprint(0xF0F1))
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "claim-1", v.OriginalClaimID)
}

func TestOpenLoadFailure(t *testing.T) {
	_, err := Open(context.Background(), &memStore{loadErr: errors.New("unreadable")})
	assert.ErrorIs(t, err, domain.ErrIndexPersistence)

	_, err = Open(context.Background(), &memStore{records: []domain.FingerprintRecord{{Seq: 1, ClaimID: "x", Hash: "garbage"}}})
	assert.ErrorIs(t, err, domain.ErrIndexPersistence)
}

func TestConcurrentSimilarRegistrations(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	x := openIndex(t, store)

	const n = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	unique := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := x.LookupOrRegisterFingerprint(ctx, fmt.Sprintf("claim-%d", i), NewFingerprint(0xDEADBEEF))
			if err != nil {
				t.Error(err)
				return
			}
			if !v.IsDuplicate {
				mu.Lock()
				unique++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, unique, "exactly one racer may register")
	assert.Len(t, store.records, 1)
}

func TestConcurrentDistinctRegistrations(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	x := openIndex(t, store)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// some of these collide; only consistency is asserted
			bits := uint64(0xFF) << (uint(i%8) * 8)
			if i >= 8 {
				bits = ^bits ^ uint64(i)
			}
			_, err := x.LookupOrRegisterFingerprint(ctx, fmt.Sprintf("claim-%d", i), NewFingerprint(bits))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records, err := store.LoadFingerprints(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, x.Size(), len(records))
	seen := map[string]bool{}
	for _, rec := range records {
		assert.False(t, seen[rec.ClaimID], "claim registered twice")
		seen[rec.ClaimID] = true
		_, err := ParseFingerprint(rec.Hash)
		assert.NoError(t, err)
	}
}

func TestCheckDoesNotRegister(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	x := openIndex(t, store)

	v, err := x.Check(ctx, billImage(3))
	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, 0, x.Size())

	_, err = x.LookupOrRegister(ctx, "claim-1", billImage(3))
	require.NoError(t, err)

	v, err = x.Check(ctx, billImage(3))
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "claim-1", v.OriginalClaimID)
	assert.Equal(t, 1, x.Size())
}

func TestFingerprintRoundTrip(t *testing.T) {
	fp := NewFingerprint(0x8f3c00ff12345678)
	parsed, err := ParseFingerprint(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp.Bits(), parsed.Bits())

	d, err := fp.Distance(parsed)
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	_, err = Fingerprint{}.Distance(fp)
	assert.Error(t, err)
}

func TestIndexesSharingAStore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	nodeA := openIndex(t, store)
	nodeB := openIndex(t, store)

	v, err := nodeA.LookupOrRegisterFingerprint(ctx, "claim-A", NewFingerprint(0xABCDEF))
	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)

	v, err = nodeB.LookupOrRegisterFingerprint(ctx, "claim-B", NewFingerprint(0xABCDEF))
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate, "registrations from another node are visible")
	assert.Equal(t, "claim-A", v.OriginalClaimID)
	assert.Equal(t, 1, nodeB.Size())

	// nodeA catches up on nodeB's registrations before answering.
	_, err = nodeB.LookupOrRegisterFingerprint(ctx, "claim-C", NewFingerprint(0xFF00000000))
	require.NoError(t, err)
	v, err = nodeA.LookupOrRegisterFingerprint(ctx, "claim-D", NewFingerprint(0xFF00000001))
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "claim-C", v.OriginalClaimID)
	assert.Len(t, store.records, 2)
}

func TestRegisterAfterLosingRace(t *testing.T) {
	ctx := context.Background()

	t.Run("SimilarDocument", func(t *testing.T) {
		store := &memStore{}
		x := openIndex(t, store)

		// Another node registers the same document between sync and write.
		injected := false
		store.beforeSave = func(m *memStore) {
			if !injected {
				injected = true
				m.appendLocked("claim-elsewhere", NewFingerprint(0x1234).String())
			}
		}

		v, err := x.LookupOrRegisterFingerprint(ctx, "claim-here", NewFingerprint(0x1235))
		require.NoError(t, err)
		assert.True(t, v.IsDuplicate)
		assert.Equal(t, "claim-elsewhere", v.OriginalClaimID)
		assert.Len(t, store.records, 1)
		assert.Equal(t, 1, x.Size())
	})

	t.Run("SameClaim", func(t *testing.T) {
		store := &memStore{}
		x := openIndex(t, store)

		injected := false
		store.beforeSave = func(m *memStore) {
			if !injected {
				injected = true
				m.appendLocked("claim-1", NewFingerprint(0x1234).String())
			}
		}

		v, err := x.LookupOrRegisterFingerprint(ctx, "claim-1", NewFingerprint(0x1234))
		require.NoError(t, err)
		assert.False(t, v.IsDuplicate, "a retry racing itself stays idempotent")
		assert.Len(t, store.records, 1)
	})

	t.Run("GivesUpUnderContention", func(t *testing.T) {
		store := &memStore{}
		x := openIndex(t, store)

		store.beforeSave = func(m *memStore) {
			n := len(m.records)
			m.appendLocked(fmt.Sprintf("busy-%d", n), NewFingerprint(uint64(0xFF)<<(uint(n)*8)).String())
		}

		_, err := x.LookupOrRegisterFingerprint(ctx, "claim-1", NewFingerprint(0))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrIndexPersistence)
		assert.ErrorIs(t, err, domain.ErrIndexStale)
		assert.Equal(t, maxRegisterAttempts, store.saves)
	})
}

func TestPerceptualHash(t *testing.T) {
	a, err := PerceptualHash(billImage(7))
	require.NoError(t, err)
	b, err := PerceptualHash(billImage(7))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.String(), "p:"))
	d, err := a.Distance(b)
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	_, err = PerceptualHash(nil)
	assert.Error(t, err)
}
