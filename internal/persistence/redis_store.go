package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>              => gob-encoded snapshot
//	<prefix>idx:all               => SET of all run IDs
//	<prefix>idx:graph:<graph>     => SET of run IDs for a given graph
//	<prefix>idx:status:<status>   => SET of run IDs for a given status
//
// Writes keep every index in step with the stored snapshot. ListRuns still
// re-checks decoded snapshots against the filter.
type RedisRunStore struct {
	client redis.UniversalClient
	prefix string
}

var _ api.RunStore = (*RedisRunStore)(nil)

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional and defaults to "stepflow:".
func NewRedisRunStore(client redis.UniversalClient, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisRunStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisRunStore) keyRun(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisRunStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisRunStore) keyGraph(id string) string {
	return s.prefix + "idx:graph:" + id
}

func (s *RedisRunStore) keyStatus(status api.RunStatus) string {
	return s.prefix + "idx:status:" + string(status)
}

// maxSaveRetries bounds how often SaveRun retries when another client
// touches the run between the read and the write.
const maxSaveRetries = 8

func (s *RedisRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	for i := 0; i < maxSaveRetries; i++ {
		err := s.write(ctx, snap, nil)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("save run %s: %w", snap.RunID, redis.TxFailedErr)
}

func (s *RedisRunStore) ClaimRun(ctx context.Context, prev, next *api.RunSnapshot) error {
	err := s.write(ctx, next, func(stored *api.RunSnapshot) error {
		if stored == nil {
			return ErrRunNotFound
		}
		if !sameVersion(stored, prev) {
			return ErrRunConflict
		}
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return ErrRunConflict
	}
	return err
}

// write stores snap under WATCH on its key. check sees the stored
// snapshot (nil when absent) and may veto the write. Index entries of the
// previous graph and status are dropped in the same transaction.
func (s *RedisRunStore) write(ctx context.Context, snap *api.RunSnapshot, check func(stored *api.RunSnapshot) error) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	key := s.keyRun(snap.RunID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		var stored *api.RunSnapshot
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if stored, err = DecodeSnapshot(raw); err != nil {
				return err
			}
		}
		if check != nil {
			if err := check(stored); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if stored != nil && stored.Status != snap.Status {
				pipe.SRem(ctx, s.keyStatus(stored.Status), snap.RunID)
			}
			if stored != nil && stored.GraphID != snap.GraphID {
				pipe.SRem(ctx, s.keyGraph(stored.GraphID), snap.RunID)
			}
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keyAll(), snap.RunID)
			pipe.SAdd(ctx, s.keyGraph(snap.GraphID), snap.RunID)
			pipe.SAdd(ctx, s.keyStatus(snap.Status), snap.RunID)
			return nil
		})
		return err
	}, key)
}

func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	data, err := s.client.Get(ctx, s.keyRun(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeSnapshot(data)
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunSnapshot, error) {
	var ids []string
	var err error

	switch {
	case filter.GraphID != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx, s.keyGraph(filter.GraphID), s.keyStatus(filter.Status)).Result()
	case filter.GraphID != "":
		ids, err = s.client.SMembers(ctx, s.keyGraph(filter.GraphID)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*api.RunSnapshot
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		if matches(snap, filter) {
			out = append(out, snap)
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *RedisRunStore) DeleteRun(ctx context.Context, runID string) error {
	key := s.keyRun(runID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		snap, err := DecodeSnapshot(raw)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.keyAll(), runID)
			pipe.SRem(ctx, s.keyGraph(snap.GraphID), runID)
			pipe.SRem(ctx, s.keyStatus(snap.Status), runID)
			return nil
		})
		return err
	}, key)
}
