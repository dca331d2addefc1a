package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netdata/aclk"
)

func TestAdmitOrQueueNeverExceedsWorkerCount(t *testing.T) {
	var inflight int32
	var maxSeen int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	l := New(Config{
		WorkerCount: 2,
		Worker: func(ctx context.Context, q *aclk.Query) {
			n := atomic.AddInt32(&inflight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inflight, -1)
			wg.Done()
		},
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		l.admitOrQueue(ctx, &aclk.Query{})
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 5; i++ {
		l.drainPending(ctx)
	}
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&maxSeen); got > 2 {
		t.Fatalf("max concurrent workers = %d, want <= 2", got)
	}
}

func TestBatchFlushesAtThreshold(t *testing.T) {
	var gotBatch []*aclk.Query
	done := make(chan struct{})
	l := New(Config{
		WorkerCount: 2,
		Batch: func(ctx context.Context, batch []*aclk.Query) {
			gotBatch = batch
			close(done)
		},
	})
	ctx := context.Background()
	for i := 0; i < batchThreshold; i++ {
		l.addToBatch(ctx, &aclk.Query{})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batch never flushed")
	}
	if len(gotBatch) != batchThreshold {
		t.Fatalf("len(batch) = %d, want %d", len(gotBatch), batchThreshold)
	}
}

func TestRunShutdownDrains(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	l := New(Config{
		WorkerCount: 2,
		Worker: func(ctx context.Context, q *aclk.Query) {
			close(started)
			<-finish
		},
	})

	ctx := context.Background()
	runDone := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(runDone)
	}()
	l.Post(Command{Op: OpQueryExecute, Query: &aclk.Query{}})
	<-started

	l.Post(Command{Op: OpShutdown})
	close(finish)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestAlertRunningFlagPreventsOverlap(t *testing.T) {
	var concurrent int32
	var maxSeen int32
	release := make(chan struct{})
	done := make(chan struct{}, 2)

	l := New(Config{
		WorkerCount: 4,
		Worker: func(ctx context.Context, q *aclk.Query) {
			n := atomic.AddInt32(&concurrent, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			<-release
			atomic.AddInt32(&concurrent, -1)
			done <- struct{}{}
		},
	})

	ctx := context.Background()
	l.runPushAlertOnce(ctx)
	l.runPushAlertOnce(ctx) // should be a no-op: one is already running
	close(release)
	<-done

	if atomic.LoadInt32(&maxSeen) > 1 {
		t.Fatalf("alert ran concurrently, maxSeen = %d", maxSeen)
	}
}
