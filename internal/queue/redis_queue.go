package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bookshelf-worker/internal/config"
	"bookshelf-worker/internal/telemetry"
)

// Outcome tells the consumer loop what to do with a delivered message.
type Outcome int

const (
	// Ack permanently removes the message from the broker.
	Ack Outcome = iota
	// Abandon returns the message to the ready queue for redelivery.
	Abandon
)

// Message is one leased delivery. DeliveryID identifies the lease, not the
// job; the same body can be delivered more than once.
type Message struct {
	DeliveryID int64
	Body       string
}

// Handler processes one delivered message body and decides its fate.
// Handlers never see broker errors; ack/abandon failures stay in the loop.
type Handler func(ctx context.Context, msg Message) Outcome

// envelope is the wire form of an enqueued job reference.
type envelope struct {
	JobID string `json:"jobId"`
}

// RedisQueue is a thin broker client over Redis: a ready list of message
// bodies plus an in-flight sorted set of leased deliveries scored by lease
// deadline. Expired leases are swept back into the ready list, which is the
// broker-side redelivery mechanism.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	msgPrefix     string
	counterKey    string
	visibilityTTL time.Duration
	pollInterval  time.Duration
	log           *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config, log *slog.Logger) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	name := cfg.QueueName
	if name == "" {
		name = "bookshelfworker"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	poll := cfg.WorkerPollInterval
	if poll == 0 {
		poll = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		msgPrefix:     fmt.Sprintf("queue:%s:msg:", name),
		counterKey:    fmt.Sprintf("queue:%s:deliveries", name),
		visibilityTTL: visibility,
		pollInterval:  poll,
		log:           log,
	}
}

func (q *RedisQueue) msgKey(deliveryID int64) string {
	return q.msgPrefix + strconv.FormatInt(deliveryID, 10)
}

// Enqueue sends one message referencing the external job id.
func (q *RedisQueue) Enqueue(ctx context.Context, externalJobID string) error {
	body, err := json.Marshal(envelope{JobID: externalJobID})
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey, string(body)).Err(); err != nil {
		return fmt.Errorf("enqueue job message: %w", err)
	}
	return nil
}

// receive pops one ready message into the in-flight set under a lease.
// Returns ok=false when the queue is empty.
func (q *RedisQueue) receive(ctx context.Context) (Message, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey, q.counterKey},
		deadline, q.msgPrefix).Result()
	if err == redis.Nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Message{}, false, fmt.Errorf("unexpected receive script result: %T", res)
	}
	id, ok := arr[0].(int64)
	if !ok {
		return Message{}, false, fmt.Errorf("unexpected delivery id type: %T", arr[0])
	}
	body, ok := arr[1].(string)
	if !ok {
		return Message{}, false, fmt.Errorf("unexpected body type: %T", arr[1])
	}
	return Message{DeliveryID: id, Body: body}, true, nil
}

// ack discards a leased delivery for good.
func (q *RedisQueue) ack(ctx context.Context, msg Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, strconv.FormatInt(msg.DeliveryID, 10))
	pipe.Del(ctx, q.msgKey(msg.DeliveryID))
	_, err := pipe.Exec(ctx)
	return err
}

// abandon releases the lease and pushes the body back for redelivery.
func (q *RedisQueue) abandon(ctx context.Context, msg Message) error {
	return abandonScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.readyKey, q.msgKey(msg.DeliveryID)},
		msg.DeliveryID).Err()
}

// RequeueExpired returns timed-out leases to the ready list. It backs the
// redelivery guarantee when a worker dies mid-message.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if err := q.abandon(ctx, Message{DeliveryID: id}); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// ReadyDepth returns the number of undelivered messages.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Consume runs the receive loop until ctx is cancelled, then drains in-flight
// handler invocations before returning. At most maxConcurrent handler
// invocations are in flight at once, each on its own goroutine. Handler panics
// are contained and treated as Abandon; ack/abandon failures are logged and
// never stop the loop.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return fmt.Errorf("queue client already stopped")
	}
	q.wg.Add(maxConcurrent + 1)
	q.mu.Unlock()

	// Lease sweeper: broker-side redelivery of expired leases.
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.pollInterval * 5)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := q.RequeueExpired(ctx, time.Now()); err != nil && ctx.Err() == nil {
					q.log.Warn("requeue expired leases", "error", err)
				} else if n > 0 {
					q.log.Info("requeued expired leases", "count", n)
				}
			}
		}
	}()

	for i := 0; i < maxConcurrent; i++ {
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				msg, ok, err := q.receive(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					q.log.Warn("receive message", "error", err)
					sleepCtx(ctx, q.pollInterval)
					continue
				}
				if !ok {
					sleepCtx(ctx, q.pollInterval)
					continue
				}

				q.settle(ctx, msg, q.invoke(ctx, handler, msg))
			}
		}()
	}

	q.wg.Wait()
	return ctx.Err()
}

// invoke runs the handler, translating a panic into Abandon.
func (q *RedisQueue) invoke(ctx context.Context, handler Handler, msg Message) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("handler panicked", "delivery", msg.DeliveryID, "panic", r)
			out = Abandon
		}
	}()
	return handler(ctx, msg)
}

// settle acks or abandons best-effort. Settlement uses a background context so
// an in-flight message is still released during shutdown.
func (q *RedisQueue) settle(ctx context.Context, msg Message, out Outcome) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	switch out {
	case Abandon:
		if err := q.abandon(settleCtx, msg); err != nil {
			q.log.Warn("abandon message", "delivery", msg.DeliveryID, "error", err)
		}
		telemetry.MessagesAbandoned.Inc()
	default:
		if err := q.ack(settleCtx, msg); err != nil {
			q.log.Warn("ack message", "delivery", msg.DeliveryID, "error", err)
		}
		telemetry.MessagesAcked.Inc()
	}
}

// Stop waits for in-flight handlers to drain and releases the connection.
// Safe to call even when Consume never started.
func (q *RedisQueue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	q.wg.Wait()
	return q.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// receiveScript atomically pops a ready body, assigns a delivery id, records
// the body under the delivery key, and leases it in the in-flight set.
var receiveScript = redis.NewScript(`
local body = redis.call('LPOP', KEYS[1])
if not body then
  return nil
end
local id = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('SET', ARGV[2] .. id, body)
return {id, body}
`)

// abandonScript releases a lease and requeues its body exactly once, even if
// called concurrently with the sweeper.
var abandonScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local body = redis.call('GET', KEYS[3])
redis.call('DEL', KEYS[3])
if body then
  redis.call('RPUSH', KEYS[2], body)
  return 1
end
return 0
`)
