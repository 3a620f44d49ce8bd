package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"bookshelf-worker/internal/config"
)

func testQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		RedisAddr:          mr.Addr(),
		QueueName:          "test",
		VisibilityTimeout:  time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
	}
	return NewRedisQueue(cfg, nil), mr
}

func TestEnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, ok, err := q.receive(ctx)
	if err != nil || !ok {
		t.Fatalf("receive: ok=%v err=%v", ok, err)
	}
	if msg.Body != `{"jobId":"job-1"}` {
		t.Fatalf("unexpected body: %s", msg.Body)
	}

	// Leased, so not ready for anyone else.
	if _, ok, _ := q.receive(ctx); ok {
		t.Fatal("expected empty queue while leased")
	}

	if err := q.ack(ctx, msg); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("expected empty ready queue, depth=%d err=%v", depth, err)
	}
}

func TestAbandonRedelivers(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, ok, err := q.receive(ctx)
	if err != nil || !ok {
		t.Fatalf("receive: ok=%v err=%v", ok, err)
	}

	if err := q.abandon(ctx, msg); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	redelivered, ok, err := q.receive(ctx)
	if err != nil || !ok {
		t.Fatalf("expected redelivery, ok=%v err=%v", ok, err)
	}
	if redelivered.Body != msg.Body {
		t.Fatalf("redelivered body %q != original %q", redelivered.Body, msg.Body)
	}
	if redelivered.DeliveryID == msg.DeliveryID {
		t.Fatal("redelivery should carry a fresh delivery id")
	}
}

func TestAbandonIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-3"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, _, _ := q.receive(ctx)

	if err := q.abandon(ctx, msg); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	// Racing sweeper or double settle must not duplicate the message.
	if err := q.abandon(ctx, msg); err != nil {
		t.Fatalf("second abandon: %v", err)
	}
	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected 1 ready message, got %d", depth)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.receive(ctx); !ok {
		t.Fatal("receive failed")
	}

	// Not yet expired.
	if n, err := q.RequeueExpired(ctx, time.Now()); err != nil || n != 0 {
		t.Fatalf("premature requeue: n=%d err=%v", n, err)
	}

	n, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("requeue expired: n=%d err=%v", n, err)
	}
	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected requeued message, depth=%d", depth)
	}
}

func TestConsumeBoundedConcurrencyAndDrain(t *testing.T) {
	q, _ := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	const total = 10
	for i := 0; i < total; i++ {
		if err := q.Enqueue(ctx, "job"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var inFlight, peak, handled int64
	var mu sync.Mutex
	handler := func(ctx context.Context, msg Message) Outcome {
		cur := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		atomic.AddInt64(&handled, 1)
		return Ack
	}

	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, handler, 2) }()

	deadline := time.After(5 * time.Second)
	for atomic.LoadInt64(&handled) < total {
		select {
		case <-deadline:
			t.Fatalf("timed out, handled %d of %d", atomic.LoadInt64(&handled), total)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not drain after cancel")
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("concurrency cap exceeded: peak %d", peak)
	}
}

func TestConsumePanicAbandons(t *testing.T) {
	q, _ := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Enqueue(ctx, "job-5"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var calls int64
	handler := func(ctx context.Context, msg Message) Outcome {
		if atomic.AddInt64(&calls, 1) == 1 {
			panic("boom")
		}
		return Ack
	}

	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, handler, 1) }()

	// The panicked delivery must come back and be handled a second time.
	deadline := time.After(5 * time.Second)
	for atomic.LoadInt64(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatalf("message not redelivered after panic, calls=%d", atomic.LoadInt64(&calls))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
