package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matst80/httptun/internal/obs"
	"github.com/redis/go-redis/v9"
)

// redisStore mirrors local sessions into Redis so operators running several
// clients against one relay can list them in one place. Byte counters and
// readiness stay local; Redis only holds the session records.
type redisStore struct {
	*memoryStore
	client     *redis.Client
	instanceID string

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

func newRedisStore(ctx context.Context, addr, password string, db int) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{
		memoryStore:       newMemoryStore(),
		client:            rdb,
		instanceID:        fmt.Sprintf("httptun-%d", time.Now().UnixNano()),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            5 * time.Minute,
	}, nil
}

var _ Store = (*redisStore)(nil)

func sessionKey(id string) string { return "httptun:session:" + id }

func (r *redisStore) instanceKey() string { return "httptun:instance:" + r.instanceID }

func (r *redisStore) Register(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, sessionKey(rec.ID), data, r.keyTTL).Result()
	if err != nil {
		// Redis is a mirror; keep relaying on a local-only record.
		obs.Error("redis.register", obs.Fields{"err": err.Error(), "id": rec.ID})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
		return r.memoryStore.Register(ctx, rec)
	}
	if !ok {
		return ErrDuplicateSession
	}
	if err := r.client.SAdd(ctx, r.instanceKey(), rec.ID).Err(); err != nil {
		obs.Error("redis.instance_add", obs.Fields{"err": err.Error(), "id": rec.ID})
	}
	return r.memoryStore.Register(ctx, rec)
}

func (r *redisStore) Unregister(ctx context.Context, id string) {
	r.memoryStore.Unregister(ctx, id)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, r.instanceKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.unregister", obs.Fields{"err": err.Error(), "id": id})
	}
}

// lookup reads a session record written by any instance.
func (r *redisStore) lookup(ctx context.Context, id string) (*Record, error) {
	val, err := r.client.Get(ctx, sessionKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &rec, nil
}

// heartbeat rewrites local session records with fresh counters and TTLs.
// Keys deleted by a concurrent Unregister stay deleted.
func (r *redisStore) heartbeat(ctx context.Context) {
	for _, rec := range r.Active() {
		data, err := json.Marshal(rec)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error(), "id": rec.ID})
			continue
		}
		if err := r.client.SetXX(ctx, sessionKey(rec.ID), data, r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.set", obs.Fields{"err": err.Error(), "id": rec.ID})
		}
	}
	if err := r.client.Expire(ctx, r.instanceKey(), r.keyTTL).Err(); err != nil {
		obs.Error("redis.heartbeat.expire_instance", obs.Fields{"err": err.Error()})
	}
}

// runMaintenance refreshes records until ctx is done.
func (r *redisStore) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// purgeInstance drops this instance's keys and closes the client.
func (r *redisStore) purgeInstance() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ids, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		obs.Error("redis.purge", obs.Fields{"err": err.Error()})
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, sessionKey(id))
	}
	pipe.Del(ctx, r.instanceKey())
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.purge", obs.Fields{"err": err.Error()})
	}
	_ = r.client.Close()
}
