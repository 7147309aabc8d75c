package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	fingerprintHashKey = keyPrefix + "fingerprints"
	fingerprintLogKey  = keyPrefix + "fingerprints:log"
	fingerprintSeqKey  = keyPrefix + "fingerprints:seq"
)

// registerScript writes a record only when the caller has seen the newest
// sequence number. The record, its log entry and the counter change in one
// server-side step.
//
// Returns the new seq, 0 when the caller is stale, -1 when the claim exists.
var registerScript = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
		return -1
	end
	local current = tonumber(redis.call('GET', KEYS[3]) or '0')
	if current ~= tonumber(ARGV[3]) then
		return 0
	end
	local seq = redis.call('INCR', KEYS[3])
	local rec = cjson.decode(ARGV[2])
	rec['seq'] = seq
	redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
	redis.call('ZADD', KEYS[2], seq, ARGV[1])
	return seq
`)

// RedisFingerprintStore keeps the dedup index in Redis so several Sentinel
// nodes share one index. Records live in a hash; a sorted set scored by seq
// lets each node fetch only what it has not seen.
type RedisFingerprintStore struct {
	client *redis.Client
}

// NewRedisFingerprintStore creates a fingerprint store on an existing client.
func NewRedisFingerprintStore(client *redis.Client) *RedisFingerprintStore {
	return &RedisFingerprintStore{client: client}
}

// LoadFingerprints returns the records registered after afterSeq, oldest first.
func (s *RedisFingerprintStore) LoadFingerprints(ctx context.Context, afterSeq int64) ([]domain.FingerprintRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, fingerprintLogKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, fingerprintHashKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]domain.FingerprintRecord, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("fingerprint for claim %s is missing", ids[i])
		}
		var rec domain.FingerprintRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("corrupt fingerprint for claim %s: %w", ids[i], err)
		}
		rec.ClaimID = ids[i]
		records = append(records, rec)
	}
	return records, nil
}

// SaveFingerprint registers one record if lastSeq is still the newest seq.
func (s *RedisFingerprintStore) SaveFingerprint(ctx context.Context, rec domain.FingerprintRecord, lastSeq int64) (int64, error) {
	if rec.ClaimID == "" || rec.Hash == "" {
		return 0, fmt.Errorf("claim id and hash are required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	keys := []string{fingerprintHashKey, fingerprintLogKey, fingerprintSeqKey}
	seq, err := registerScript.Run(ctx, s.client, keys, rec.ClaimID, string(payload), lastSeq).Int64()
	if err != nil {
		return 0, err
	}
	switch {
	case seq < 0:
		return 0, fmt.Errorf("%w: %s", domain.ErrFingerprintExists, rec.ClaimID)
	case seq == 0:
		return 0, domain.ErrIndexStale
	}
	return seq, nil
}

var _ domain.FingerprintStore = (*RedisFingerprintStore)(nil)
