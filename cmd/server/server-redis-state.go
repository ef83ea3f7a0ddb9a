package main

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/session"
)

const (
	activeSetKey    = "vlessedge:sessions:active"
	statsKey        = "vlessedge:stats"
	opTimeout       = 2 * time.Second
	connectAttempts = 5
	writeQueueSize  = 1024
)

func sessionKey(id string) string { return "vlessedge:session:" + id }

// redisStateStore implements StateStore using Redis for horizontal scaling.
// Each instance owns the sessions it accepted and keeps their keys alive with
// a heartbeat; keys of a crashed instance expire on their own.
type redisStateStore struct {
	client     *redis.Client
	mu         sync.Mutex
	owned      map[string]sessionRecord // sessions accepted by this instance
	closing    bool
	ready      bool
	instanceID string

	// maintenance configuration
	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
	opTimeout         time.Duration

	// registry writes are applied in order by one goroutine so sessions
	// never wait on Redis
	writes     chan registryWrite
	stop       chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}
}

type registryWrite struct {
	rec     sessionRecord
	untrack bool
}

func newRedisStateStore(addr, password string, db int) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			break
		}
		if int(b.Attempt()) >= connectAttempts-1 {
			_ = rdb.Close()
			return nil, errors.Wrap(err, "redis connection failed")
		}
		wait := b.Duration()
		obs.Warn("redis.connect.retry", obs.Fields{"err": err.Error(), "wait": wait.String()})
		time.Sleep(wait)
	}
	return newRedisStateStoreWithClient(rdb), nil
}

func newRedisStateStoreWithClient(rdb *redis.Client) *redisStateStore {
	r := &redisStateStore{
		client:            rdb,
		owned:             make(map[string]sessionRecord),
		instanceID:        "vlessedge-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		heartbeatInterval: 30 * time.Second,
		redisKeyTTL:       2 * time.Minute,
		opTimeout:         opTimeout,
		writes:            make(chan registryWrite, writeQueueSize),
		stop:              make(chan struct{}),
		writerDone:        make(chan struct{}),
	}
	go r.runWriter()
	return r
}

var _ StateStore = (*redisStateStore)(nil)

func (r *redisStateStore) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStateStore) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStateStore) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStateStore) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }
func (r *redisStateStore) backend() string         { return "redis" }

// close flushes queued registry writes before closing the client.
func (r *redisStateStore) close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.writerDone
	return r.client.Close()
}

func (r *redisStateStore) Track(sess *session.Session) {
	rec := recordOf(sess)
	rec.Instance = r.instanceID
	r.mu.Lock()
	r.owned[rec.ID] = rec
	r.mu.Unlock()
	r.enqueue(registryWrite{rec: rec})
}

func (r *redisStateStore) Untrack(sess *session.Session) {
	r.mu.Lock()
	delete(r.owned, sess.ID)
	r.mu.Unlock()
	r.enqueue(registryWrite{rec: sessionRecord{ID: sess.ID}, untrack: true})
}

// enqueue never blocks; a dropped write is repaired by key expiry and pruneActive.
func (r *redisStateStore) enqueue(w registryWrite) {
	select {
	case r.writes <- w:
	default:
		obs.Warn("redis.queue.full", obs.Fields{"id": w.rec.ID, "untrack": w.untrack})
	}
}

func (r *redisStateStore) runWriter() {
	defer close(r.writerDone)
	for {
		select {
		case w := <-r.writes:
			r.apply(w)
		case <-r.stop:
			for {
				select {
				case w := <-r.writes:
					r.apply(w)
				default:
					return
				}
			}
		}
	}
}

func (r *redisStateStore) apply(w registryWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	if w.untrack {
		pipe.Del(ctx, sessionKey(w.rec.ID))
		pipe.SRem(ctx, activeSetKey, w.rec.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			obs.Error("redis.untrack", obs.Fields{"err": err.Error(), "id": w.rec.ID})
		}
		return
	}
	data, err := json.Marshal(w.rec)
	if err != nil {
		obs.Error("redis.track.marshal", obs.Fields{"err": err.Error(), "id": w.rec.ID})
		return
	}
	pipe.Set(ctx, sessionKey(w.rec.ID), data, r.redisKeyTTL)
	pipe.SAdd(ctx, activeSetKey, w.rec.ID)
	pipe.HIncrBy(ctx, statsKey, "total", 1)
	pipe.HIncrBy(ctx, statsKey, w.rec.Mode, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.track", obs.Fields{"err": err.Error(), "id": w.rec.ID})
	}
}

// getStats reports the cluster-wide view, falling back to this instance's
// sessions when Redis is unavailable.
func (r *redisStateStore) getStats() (int, counters) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	active, err := r.client.SCard(ctx, activeSetKey).Result()
	if err != nil {
		obs.Error("redis.stats.active", obs.Fields{"err": err.Error()})
		r.mu.Lock()
		active = int64(len(r.owned))
		r.mu.Unlock()
	}
	var totals counters
	vals, err := r.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		obs.Error("redis.stats.totals", obs.Fields{"err": err.Error()})
		return int(active), totals
	}
	totals.Total, _ = strconv.ParseInt(vals["total"], 10, 64)
	totals.TCP, _ = strconv.ParseInt(vals[session.ModeTCP.String()], 10, 64)
	totals.DNS, _ = strconv.ParseInt(vals[session.ModeDNS.String()], 10, 64)
	return int(active), totals
}

func (r *redisStateStore) listSessions() []sessionRecord {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil || len(ids) == 0 {
		if err != nil {
			obs.Error("redis.list", obs.Fields{"err": err.Error()})
		}
		return r.localSessions()
	}
	if len(ids) > maxListed {
		ids = ids[:maxListed]
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		obs.Error("redis.list.mget", obs.Fields{"err": err.Error()})
		return r.localSessions()
	}
	out := make([]sessionRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec sessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.list.unmarshal", obs.Fields{"err": err.Error()})
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

func (r *redisStateStore) localSessions() []sessionRecord {
	r.mu.Lock()
	out := make([]sessionRecord, 0, len(r.owned))
	for _, rec := range r.owned {
		out = append(out, rec)
	}
	r.mu.Unlock()
	sortRecords(out)
	return out
}

// startMaintenance launches periodic heartbeat + stale member cleanup.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
			r.pruneActive(ctx)
		}
	}
}

// heartbeat extends key TTLs for sessions owned by this instance.
func (r *redisStateStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, sessionKey(id), r.redisKeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(ids)})
	}
}

// pruneActive removes set members whose session key expired, which happens
// when the owning instance died without untracking.
func (r *redisStateStore) pruneActive(ctx context.Context) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		obs.Error("redis.prune.members", obs.Fields{"err": err.Error()})
		return
	}
	for _, id := range ids {
		n, err := r.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			if err != redis.Nil {
				obs.Error("redis.prune.exists", obs.Fields{"err": err.Error(), "id": id})
			}
			continue
		}
		if n == 0 {
			r.client.SRem(ctx, activeSetKey, id)
			obs.Debug("redis.prune", obs.Fields{"id": id})
		}
	}
}
