package tabletstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/log"
	"github.com/tabletstore/go-client/retry"
	"github.com/tabletstore/go-client/rpc"
	"github.com/tabletstore/go-client/status"
	"go.uber.org/zap"
)

// batcherState tags a Batcher's position in the Open -> Flushing ->
// {Complete, Aborted} state machine.
type batcherState int32

const (
	batcherOpen batcherState = iota
	batcherFlushing
	batcherComplete
	batcherAborted
)

// opGroup accumulates the operations resolved to a single tablet.
type opGroup struct {
	tablet rpc.TabletID
	loc    rpc.TabletLocation
	ops    []*WriteOperation
}

// Batcher buffers WriteOperations destined for possibly many tablets across
// possibly many tables, resolves each to its owning tablet via the Client's
// location cache, and on Flush coalesces per-tablet groups by destination
// server into one Write RPC per server.
type Batcher struct {
	client  *Client
	timeout time.Duration
	errOut  *errorCollector

	state int32 // atomic batcherState

	mu       sync.Mutex
	groups   map[rpc.TabletID]*opGroup
	lookupWG sync.WaitGroup

	bufferedBytes  int64 // atomic
	errCount       int32 // atomic, errors added to errOut by this batcher only
	pendingLookups int32 // atomic, Add() calls whose resolve() hasn't returned yet

	doneOnce   sync.Once
	completeCh chan struct{}
	callback   func()
}

func newBatcher(c *Client, timeout time.Duration, errOut *errorCollector) *Batcher {
	return &Batcher{
		client:     c,
		timeout:    timeout,
		errOut:     errOut,
		groups:     make(map[rpc.TabletID]*opGroup),
		completeCh: make(chan struct{}),
	}
}

func (b *Batcher) stateValue() batcherState {
	return batcherState(atomic.LoadInt32(&b.state))
}

// addError records e in the session-wide error collector and in this
// batcher's own count, so summary can report "this flush had errors"
// independent of errors other batchers on the same Session left undrained.
func (b *Batcher) addError(e *Error) {
	b.errOut.add(e)
	atomic.AddInt32(&b.errCount, 1)
}

// BufferedBytes returns the batcher's optimistic byte accounting: every
// Add increments it immediately, and it is decremented when an op's
// location lookup fails (the op never reaches a group).
func (b *Batcher) BufferedBytes() int64 {
	return atomic.LoadInt64(&b.bufferedBytes)
}

// Empty reports whether the batcher has no buffered operations and no
// in-flight location lookups, the condition under which FlushAsync may fire
// its completion callback inline.
func (b *Batcher) Empty() bool {
	if atomic.LoadInt32(&b.pendingLookups) > 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups {
		if len(g.ops) > 0 {
			return false
		}
	}
	return true
}

// OpCount returns the number of operations currently buffered in resolved
// groups (operations still awaiting location lookup are not yet counted).
func (b *Batcher) OpCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, g := range b.groups {
		n += len(g.ops)
	}
	return n
}

// Add buffers op, asynchronously resolving its tablet location. The method
// itself never blocks on a master RPC; Flush waits for all outstanding
// lookups before dispatching.
func (b *Batcher) Add(op *WriteOperation) error {
	if b.stateValue() != batcherOpen {
		return status.New(status.IllegalState, "batcher is no longer open")
	}

	size := op.byteSize()
	atomic.AddInt64(&b.bufferedBytes, size)

	atomic.AddInt32(&b.pendingLookups, 1)
	b.lookupWG.Add(1)
	go b.resolve(op, size)
	return nil
}

func (b *Batcher) resolve(op *WriteOperation, size int64) {
	defer b.lookupWG.Done()
	defer atomic.AddInt32(&b.pendingLookups, -1)

	loc, err := b.client.cache.Lookup(context.Background(), op.table.id, op.Key(), b.timeout)
	if err != nil {
		atomic.AddInt64(&b.bufferedBytes, -size)
		b.addError(&Error{op: op, status: status.FromError(err), possiblySuccessful: false})
		return
	}

	b.mu.Lock()
	g, ok := b.groups[loc.Tablet]
	if !ok {
		g = &opGroup{tablet: loc.Tablet, loc: loc}
		b.groups[loc.Tablet] = g
	}
	g.ops = append(g.ops, op)
	b.mu.Unlock()
}

// Flush waits for pending lookups, dispatches one Write RPC per destination
// server (retrying retryable failures within the timeout budget), and
// returns a summary status: OK unless the batcher produced any errors, in
// which case the caller should consult the Session's error collector for
// details.
func (b *Batcher) Flush(ctx context.Context) status.Status {
	if !atomic.CompareAndSwapInt32(&b.state, int32(batcherOpen), int32(batcherFlushing)) {
		<-b.completeCh
		return b.summary()
	}

	ctx, cancel := retry.Deadline(ctx, b.timeout)
	defer cancel()

	b.lookupWG.Wait()

	b.mu.Lock()
	remaining := make(map[rpc.TabletID]*opGroup, len(b.groups))
	for id, g := range b.groups {
		if len(g.ops) > 0 {
			remaining[id] = g
		}
	}
	b.mu.Unlock()

	backoff := retry.NewBackoff(20*time.Millisecond, 1*time.Second)
	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			for _, g := range remaining {
				for _, op := range g.ops {
					b.addError(&Error{op: op, status: status.New(status.TimedOut, "write timed out"), possiblySuccessful: true})
				}
			}
			remaining = nil
		default:
		}
		if len(remaining) == 0 {
			break
		}

		byServer := make(map[rpc.ServerID][]*opGroup)
		var orphaned []*opGroup
		for _, g := range remaining {
			if len(g.ops) > 0 {
				if fresh, err := b.client.cache.Lookup(ctx, g.ops[0].table.id, g.loc.StartKey, b.timeout); err == nil {
					g.loc = fresh
				}
			}
			leader, ok := g.loc.Leader()
			if !ok {
				b.client.cache.Invalidate(g.tablet)
				orphaned = append(orphaned, g)
				continue
			}
			byServer[leader.Server] = append(byServer[leader.Server], g)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		next := make(map[rpc.TabletID]*opGroup)
		for _, g := range orphaned {
			next[g.tablet] = g
		}

		for server, groups := range byServer {
			server, groups := server, groups
			wg.Add(1)
			go func() {
				defer wg.Done()
				retryGroups := b.dispatch(ctx, server, groups)
				mu.Lock()
				for _, g := range retryGroups {
					next[g.tablet] = g
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		remaining = next
		if len(remaining) > 0 {
			backoff.Failed()
			if err := backoff.Wait(ctx); err != nil {
				for _, g := range remaining {
					for _, op := range g.ops {
						b.addError(&Error{op: op, status: status.New(status.TimedOut, "write timed out"), possiblySuccessful: true})
					}
				}
				break
			}
		}
	}

	b.finish(batcherComplete)
	return b.summary()
}

// dispatch sends one Write RPC bundling groups to server and returns the
// subset of groups that should be retried (cache was invalidated for them).
func (b *Batcher) dispatch(ctx context.Context, server rpc.ServerID, groups []*opGroup) []*opGroup {
	req := rpc.WriteRequest{Batches: make([]rpc.TabletBatch, len(groups))}
	for i, g := range groups {
		ops := make([]rpc.EncodedOp, len(g.ops))
		for j, op := range g.ops {
			ops[j] = op.encode()
		}
		req.Batches[i] = rpc.TabletBatch{Tablet: g.tablet, Ops: ops}
	}

	conn, err := b.client.registry.Conn(ctx, server)
	if err != nil {
		log.Warn("batcher: failed to resolve server, retrying via cache invalidation", zap.String("server", string(server)), zap.Error(err))
		return b.invalidateAndRetry(groups)
	}

	resp, err := b.client.tablets.Write(ctx, conn.Target(), req, b.timeout)
	if err != nil {
		b.client.registry.MarkUnreachable(server, time.Now().Add(5*time.Second))
		return b.invalidateAndRetry(groups)
	}

	failed := make(map[rpc.TabletID]map[int]rpc.RowOutcome)
	for _, outcome := range resp.Errors {
		if outcome.BatchIndex < 0 || outcome.BatchIndex >= len(groups) {
			continue
		}
		tablet := groups[outcome.BatchIndex].tablet
		if failed[tablet] == nil {
			failed[tablet] = make(map[int]rpc.RowOutcome)
		}
		failed[tablet][outcome.OpIndex] = outcome
	}

	var retryGroups []*opGroup
	for _, g := range groups {
		byIdx := failed[g.tablet]
		var stillPending []*WriteOperation
		retryable := false
		for i, op := range g.ops {
			outcome, hasFailure := byIdx[i]
			if !hasFailure {
				atomic.AddInt64(&b.bufferedBytes, -op.byteSize())
				continue // row succeeded
			}
			st := status.New(rowOutcomeCode(outcome.Code), outcome.Message)
			if st.Retryable() {
				stillPending = append(stillPending, op)
				retryable = true
				continue
			}
			atomic.AddInt64(&b.bufferedBytes, -op.byteSize())
			b.addError(&Error{op: op, status: st, possiblySuccessful: false})
		}
		if retryable && len(stillPending) > 0 {
			b.client.cache.Invalidate(g.tablet)
			retryGroups = append(retryGroups, &opGroup{tablet: g.tablet, loc: g.loc, ops: stillPending})
		}
	}
	return retryGroups
}

func (b *Batcher) invalidateAndRetry(groups []*opGroup) []*opGroup {
	for _, g := range groups {
		b.client.cache.Invalidate(g.tablet)
	}
	return groups
}

func rowOutcomeCode(code string) status.Code {
	switch code {
	case "NOT_LEADER":
		return status.NotLeader
	case "TABLET_NOT_FOUND", "TABLET_MOVED":
		return status.TabletMoved
	case "ALREADY_PRESENT":
		return status.AlreadyPresent
	case "NOT_FOUND":
		return status.NotFound
	default:
		return status.IllegalState
	}
}

func (b *Batcher) finish(final batcherState) {
	b.doneOnce.Do(func() {
		atomic.StoreInt32(&b.state, int32(final))
		close(b.completeCh)
		if b.callback != nil {
			b.callback()
		}
	})
}

func (b *Batcher) summary() status.Status {
	if atomic.LoadInt32(&b.errCount) > 0 {
		return status.New(status.IllegalState, "batch produced errors; see Session.GetPendingErrors")
	}
	return status.OKStatus
}

// FlushAsync starts the batcher's flush on a new goroutine (unless it is
// empty, in which case it completes inline) and arranges for cb to run
// exactly once after completion.
func (b *Batcher) FlushAsync(cb func()) {
	b.callback = cb
	if b.Empty() {
		atomic.StoreInt32(&b.state, int32(batcherFlushing))
		b.finish(batcherComplete)
		return
	}
	go b.Flush(context.Background())
}

// Abort transitions the Batcher to Aborted without dispatching its buffered
// work and runs the completion callback, if one is set.
func (b *Batcher) Abort() {
	atomic.CompareAndSwapInt32(&b.state, int32(batcherOpen), int32(batcherFlushing))
	b.finish(batcherAborted)
}
