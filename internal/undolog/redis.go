package undolog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"

	"github.com/redis/go-redis/v9"
)

const tombstone = "closed"

// Redis keeps undo records in Redis so they outlive the participant process.
// Each branch is one string key holding the JSON record or a tombstone.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ participant.UndoLog = (*Redis)(nil)

// NewRedis constructs a Redis undo log. ttl bounds how long records and
// tombstones are kept; zero keeps them forever.
func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "undo"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) branchKey(b txctx.Branch) string {
	return r.prefix + ":" + b.TxID + ":" + b.Step
}

func (r *Redis) State(ctx context.Context, b txctx.Branch) (participant.BranchState, error) {
	val, err := r.client.Get(ctx, r.branchKey(b)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return participant.BranchUnknown, nil
	case err != nil:
		return participant.BranchUnknown, err
	case val == tombstone:
		return participant.BranchClosed, nil
	default:
		return participant.BranchRecorded, nil
	}
}

func (r *Redis) Record(ctx context.Context, rec participant.UndoRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = r.client.SetArgs(ctx, r.branchKey(rec.Branch), data, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Err()
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, redis.Nil):
		return err
	}

	state, err := r.State(ctx, rec.Branch)
	if err != nil {
		return err
	}
	if state == participant.BranchClosed {
		return participant.ErrBranchClosed
	}
	return participant.ErrBranchExists
}

func (r *Redis) Claim(ctx context.Context, b txctx.Branch) (participant.UndoRecord, bool, error) {
	prev, err := r.client.SetArgs(ctx, r.branchKey(b), tombstone, redis.SetArgs{Get: true, TTL: r.ttl}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return participant.UndoRecord{}, false, nil
	case err != nil:
		return participant.UndoRecord{}, false, err
	case prev == tombstone:
		return participant.UndoRecord{}, false, nil
	}

	var rec participant.UndoRecord
	if err := json.Unmarshal([]byte(prev), &rec); err != nil {
		return participant.UndoRecord{}, false, fmt.Errorf("decode undo record %s: %w", b, err)
	}
	return rec, true, nil
}

func (r *Redis) Release(ctx context.Context, rec participant.UndoRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.branchKey(rec.Branch), data, r.ttl).Err()
}
