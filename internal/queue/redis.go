package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/errdefs"
)

// promoteScript moves due delayed jobs onto their lane lists. The lane key
// prefix is ARGV[2]; the lane is read from the envelope itself.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, raw in ipairs(due) do
  local lane = cjson.decode(raw)['lane']
  redis.call('ZREM', KEYS[1], raw)
  redis.call('RPUSH', ARGV[2] .. lane, raw)
end
return #due
`)

// heartbeatScript extends a worker claim held by ARGV[1], or takes it when it
// lapsed. It returns 0 when another process holds the claim.
var heartbeatScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// resignScript deletes a worker claim only if ARGV[1] still holds it.
var resignScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ErrWorkerIDTaken is returned by Heartbeat when another live process
// claimed this worker id.
var ErrWorkerIDTaken = errors.New("worker id claimed by another process")

// RedisQueue is the durable Queue. Layout under the key prefix:
//
//	queue:lane:<n>                  pending jobs (list)
//	queue:processing:<n>:<worker>   jobs reserved by one worker (list)
//	queue:worker:<worker>           claim of a live worker, expires after heartbeat_ttl
//	queue:delayed                   retries and requeues (zset, score = due ms)
//	queue:dead                      exhausted jobs (list, newest first)
//	queue:progress:<job id>         percent, expires after a day
type RedisQueue struct {
	rdb      redis.UniversalClient
	cfg      config.QueueConfig
	prefix   string
	workerID string
	token    string
	now      func() time.Time
	logger   *zap.Logger
}

var _ Recoverable = (*RedisQueue)(nil)

// NewRedisQueue creates a queue on rdb. workerID names this process's
// processing lists; reuse it across restarts so Recover finds them.
func NewRedisQueue(rdb redis.UniversalClient, cfg config.QueueConfig, keyPrefix, workerID string, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "gf"
	}
	return &RedisQueue{
		rdb:      rdb,
		cfg:      normalize(cfg),
		prefix:   keyPrefix + ":queue:",
		workerID: workerID,
		token:    uuid.NewString(),
		now:      time.Now,
		logger:   logger.Named("queue"),
	}
}

func (q *RedisQueue) laneKey(lane int) string {
	return q.prefix + "lane:" + strconv.Itoa(lane)
}

func (q *RedisQueue) processingKey(lane int) string {
	return q.prefix + "processing:" + strconv.Itoa(lane) + ":" + q.workerID
}

func (q *RedisQueue) workerKey(workerID string) string {
	return q.prefix + "worker:" + workerID
}

// parseProcessingKey splits a processing list key into lane and worker id.
// Lanes beyond the current lane count are folded back into range.
func (q *RedisQueue) parseProcessingKey(key string) (int, string, bool) {
	rest, ok := strings.CutPrefix(key, q.prefix+"processing:")
	if !ok {
		return 0, "", false
	}
	laneStr, worker, ok := strings.Cut(rest, ":")
	if !ok || worker == "" {
		return 0, "", false
	}
	lane, err := strconv.Atoi(laneStr)
	if err != nil || lane < 0 {
		return 0, "", false
	}
	return lane % q.cfg.Lanes, worker, true
}

func (q *RedisQueue) delayedKey() string  { return q.prefix + "delayed" }
func (q *RedisQueue) deadKey() string     { return q.prefix + "dead" }
func (q *RedisQueue) progressKey(jobID string) string {
	return q.prefix + "progress:" + jobID
}

const progressTTL = 24 * time.Hour

func (q *RedisQueue) Lanes() int { return q.cfg.Lanes }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (*Envelope, error) {
	env, err := Encode(job, q.cfg.Lanes, q.now())
	if err != nil {
		return nil, err
	}
	raw, err := marshalEnvelope(env)
	if err != nil {
		return nil, err
	}
	if err := q.rdb.RPush(ctx, q.laneKey(env.Lane), raw).Err(); err != nil {
		return nil, errors.Wrapf(err, "enqueue %s job for server %s", env.Kind, env.ServerID)
	}
	env.raw = raw
	return env, nil
}

// promote moves due delayed jobs back to their lanes.
func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey()}, now, q.prefix+"lane:").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "promote delayed jobs")
	}
	return nil
}

func (q *RedisQueue) Reserve(ctx context.Context, lane int) (*Envelope, error) {
	if lane < 0 || lane >= q.cfg.Lanes {
		return nil, errdefs.InvalidArgument("lane %d out of range [0,%d)", lane, q.cfg.Lanes)
	}
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	raw, err := q.rdb.BLMove(ctx, q.laneKey(lane), q.processingKey(lane), "LEFT", "RIGHT", q.cfg.ReserveTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "reserve from lane %d", lane)
	}

	env, err := unmarshalEnvelope(raw)
	if err != nil {
		// Poison entry: park it on the dead list so the lane keeps moving.
		q.logger.Error("dropping undecodable job", zap.Int("lane", lane), zap.Error(err))
		_, perr := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processingKey(lane), 1, raw)
			pipe.LPush(ctx, q.deadKey(), raw)
			return nil
		})
		return nil, errors.CombineErrors(err, perr)
	}
	return env, nil
}

// resolve removes env from its processing list and runs more in the same
// transaction.
func (q *RedisQueue) resolve(ctx context.Context, env *Envelope, more func(pipe redis.Pipeliner) error) error {
	if env.raw == "" {
		return errdefs.InvalidArgument("job %s was not reserved from this queue", env.ID)
	}
	var removed *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, q.processingKey(env.Lane), 1, env.raw)
		if more != nil {
			return more(pipe)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "resolve job %s", env.ID)
	}
	if removed.Val() == 0 {
		q.logger.Warn("job was not in the processing list", zap.String("job_id", env.ID))
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, env *Envelope) error {
	return q.resolve(ctx, env, nil)
}

func (q *RedisQueue) later(ctx context.Context, env *Envelope, delay time.Duration) error {
	next := *env
	next.raw = ""
	raw, err := marshalEnvelope(&next)
	if err != nil {
		return err
	}
	due := float64(q.now().Add(delay).UnixMilli())
	return q.resolve(ctx, env, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: raw})
		return nil
	})
}

func (q *RedisQueue) Retry(ctx context.Context, env *Envelope, delay time.Duration, cause error) error {
	env.LastError = errString(cause)
	return q.later(ctx, env, delay)
}

func (q *RedisQueue) Requeue(ctx context.Context, env *Envelope) error {
	return q.later(ctx, env, q.cfg.RequeueDelay)
}

func (q *RedisQueue) Fail(ctx context.Context, env *Envelope, cause error) error {
	dead := *env
	dead.raw = ""
	dead.LastError = errString(cause)
	raw, err := marshalEnvelope(&dead)
	if err != nil {
		return err
	}
	return q.resolve(ctx, env, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.deadKey(), raw)
		pipe.LTrim(ctx, q.deadKey(), 0, deadLetterLimit-1)
		return nil
	})
}

func (q *RedisQueue) Progress(ctx context.Context, jobID string, percent int) error {
	if err := q.rdb.Set(ctx, q.progressKey(jobID), clampPercent(percent), progressTTL).Err(); err != nil {
		return errors.Wrapf(err, "record progress of job %s", jobID)
	}
	return nil
}

func (q *RedisQueue) JobProgress(ctx context.Context, jobID string) (int, error) {
	p, err := q.rdb.Get(ctx, q.progressKey(jobID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read progress of job %s", jobID)
	}
	return p, nil
}

func (q *RedisQueue) Dead(ctx context.Context, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = deadLetterLimit
	}
	raws, err := q.rdb.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list dead jobs")
	}
	out := make([]*Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			q.logger.Warn("skipping undecodable dead job", zap.Error(err))
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Claim takes this queue's worker id. While another process holds it, Claim
// waits for that claim to be resigned or to expire.
func (q *RedisQueue) Claim(ctx context.Context) error {
	warned := false
	for {
		err := q.Heartbeat(ctx)
		if err == nil {
			q.logger.Info("worker id claimed", zap.String("worker", q.workerID))
			return nil
		}
		if !errors.Is(err, ErrWorkerIDTaken) {
			return err
		}
		if !warned {
			q.logger.Warn("worker id held by another process, waiting for it to expire",
				zap.String("worker", q.workerID), zap.Duration("heartbeat_ttl", q.cfg.HeartbeatTTL))
			warned = true
		}
		select {
		case <-time.After(q.HeartbeatInterval()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Heartbeat extends this worker's claim by the heartbeat TTL.
func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	ok, err := heartbeatScript.Run(ctx, q.rdb, []string{q.workerKey(q.workerID)},
		q.token, q.cfg.HeartbeatTTL.Milliseconds()).Int()
	if err != nil {
		return errors.Wrapf(err, "heartbeat of worker %s", q.workerID)
	}
	if ok == 0 {
		return errors.Wrapf(ErrWorkerIDTaken, "worker %s", q.workerID)
	}
	return nil
}

func (q *RedisQueue) HeartbeatInterval() time.Duration {
	return q.cfg.HeartbeatTTL / 3
}

// Resign drops this worker's claim so a restart can take it at once.
func (q *RedisQueue) Resign(ctx context.Context) error {
	if err := resignScript.Run(ctx, q.rdb, []string{q.workerKey(q.workerID)}, q.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "resign worker %s", q.workerID)
	}
	return nil
}

// Recover moves jobs this worker reserved but never resolved (because the
// process died) back to the front of their lanes.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for lane := 0; lane < q.cfg.Lanes; lane++ {
		n, err := q.requeueList(ctx, q.processingKey(lane), lane)
		moved += n
		if err != nil {
			return moved, err
		}
	}
	if moved > 0 {
		q.logger.Info("recovered in-flight jobs", zap.Int("count", moved), zap.String("worker", q.workerID))
	}
	return moved, nil
}

// ReapStale returns the in-flight jobs of workers whose claim expired to
// the front of their lanes.
func (q *RedisQueue) ReapStale(ctx context.Context) (int, error) {
	var keys []string
	iter := q.rdb.Scan(ctx, 0, q.prefix+"processing:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, errors.Wrap(err, "scan processing lists")
	}

	moved := 0
	for _, key := range keys {
		lane, worker, ok := q.parseProcessingKey(key)
		if !ok || worker == q.workerID {
			continue
		}
		alive, err := q.rdb.Exists(ctx, q.workerKey(worker)).Result()
		if err != nil {
			return moved, errors.Wrapf(err, "check worker %s", worker)
		}
		if alive > 0 {
			continue
		}
		n, err := q.requeueList(ctx, key, lane)
		moved += n
		if err != nil {
			return moved, err
		}
		if n > 0 {
			q.logger.Warn("took back jobs of a dead worker",
				zap.String("dead_worker", worker), zap.Int("lane", lane), zap.Int("count", n))
		}
	}
	return moved, nil
}

// requeueList moves every entry of a processing list to the front of lane,
// oldest first.
func (q *RedisQueue) requeueList(ctx context.Context, key string, lane int) (int, error) {
	moved := 0
	for {
		_, err := q.rdb.LMove(ctx, key, q.laneKey(lane), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, errors.Wrapf(err, "requeue %s", key)
		}
		moved++
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }
