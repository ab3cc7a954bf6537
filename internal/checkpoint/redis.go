package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "reportbridge:checkpoint:"

// RedisStore keeps each record in a hash ("rec:<id>" with meta and payload
// fields) and indexes it in a per-state sorted set scored by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces all keys, e.g. per environment.
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) {
		if p != "" {
			s.prefix = p
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *RedisStore) recKey(id string) string { return s.prefix + "rec:" + id }
func (s *RedisStore) stateKey(st State) string { return s.prefix + "state:" + st.String() }
func score(t time.Time) float64 { return float64(t.UnixNano()) }

func (s *RedisStore) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == 0 {
		rec.State = NotDelivered
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	meta, err := json.Marshal(metaOf(rec))
	if err != nil {
		return Record{}, err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.recKey(rec.ID), "meta", meta, "payload", []byte(rec.Notification.Payload))
		p.ZAdd(ctx, s.stateKey(rec.State), redis.Z{Score: score(rec.CreatedAt), Member: rec.ID})
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("put checkpoint: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, id string) (Record, error) {
	vals, err := c.HMGet(ctx, s.recKey(id), "meta", "payload").Result()
	if err != nil {
		return Record{}, err
	}
	return decodeHash(id, vals)
}

func decodeHash(id string, vals []any) (Record, error) {
	if len(vals) != 2 || vals[0] == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	metaStr, _ := vals[0].(string)
	payload, _ := vals[1].(string)
	var m recordMeta
	if err := json.Unmarshal([]byte(metaStr), &m); err != nil {
		return Record{}, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return m.record([]byte(payload)), nil
}

func (s *RedisStore) List(ctx context.Context, state State, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.stateKey(state), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) MarkForReplay(ctx context.Context, id string, payload json.RawMessage) (Record, error) {
	var out Record
	key := s.recKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.State != NotDelivered {
			return fmt.Errorf("%w: %s is %s", ErrWrongState, id, rec.State)
		}
		rec.State = PendingReplay
		rec.UpdatedAt = s.now().UTC()
		if len(payload) > 0 {
			rec.Notification.Payload = append(json.RawMessage(nil), payload...)
		}
		meta, err := json.Marshal(metaOf(rec))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "meta", meta, "payload", []byte(rec.Notification.Payload))
			p.ZRem(ctx, s.stateKey(NotDelivered), id)
			p.ZAdd(ctx, s.stateKey(PendingReplay), redis.Z{Score: score(rec.CreatedAt), Member: id})
			return nil
		})
		out = rec
		return err
	}, key)
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *RedisStore) Claim(ctx context.Context, from, to State, limit int, before time.Time) ([]Record, error) {
	var out []Record
	idx := s.stateKey(from)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		out = nil
		stop := int64(-1)
		if limit > 0 && before.IsZero() {
			stop = int64(limit - 1)
		}
		ids, err := tx.ZRange(ctx, idx, 0, stop).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if limit > 0 && len(out) == limit {
				break
			}
			rec, err := s.load(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !before.IsZero() && !rec.UpdatedAt.Before(before) {
				continue
			}
			out = append(out, rec)
		}
		if len(out) == 0 {
			return nil
		}
		now := s.now().UTC()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for i := range out {
				out[i].State, out[i].UpdatedAt = to, now
				meta, err := json.Marshal(metaOf(out[i]))
				if err != nil {
					return err
				}
				p.HSet(ctx, s.recKey(out[i].ID), "meta", meta)
				p.ZRem(ctx, idx, out[i].ID)
				p.ZAdd(ctx, s.stateKey(to), redis.Z{Score: score(out[i].CreatedAt), Member: out[i].ID})
			}
			return nil
		})
		return err
	}, idx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.recKey(id))
		p.ZRem(ctx, s.stateKey(rec.State), id)
		return nil
	})
	return err
}
