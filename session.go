package tabletstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tabletstore/go-client/status"
)

// FlushMode selects one of the three flush disciplines a Session applies to
// buffered WriteOperations.
type FlushMode int32

const (
	// FlushSync flushes every Apply individually and blocks until the
	// write completes.
	FlushSync FlushMode = iota
	// FlushBackground buffers operations and flushes asynchronously
	// whenever the buffer limit is reached, suspending the caller only
	// if a prior flush has not yet drained enough space.
	FlushBackground
	// FlushManual never flushes implicitly; the application must call
	// Flush or FlushAsync, and Apply rejects operations once the
	// buffer limit would be exceeded.
	FlushManual
)

const (
	defaultBufferBytes  = 7 << 20 // 7MiB, a conservative default mutation buffer
	defaultTimeoutMilli = 10000
	maxPendingErrors    = 1024
)

// Error wraps a failed WriteOperation with its terminal Status and the
// possibly-successful flag the retry policy assigns on ambiguous failures.
// The caller may reclaim ownership of the operation via ReleaseFailedOp,
// e.g. to retry it on a fresh Session.
type Error struct {
	op                 *WriteOperation
	status             status.Status
	possiblySuccessful bool
	released           bool
	mu                 sync.Mutex
}

// Status returns the error's terminal status.
func (e *Error) Status() status.Status { return e.status }

// WasPossiblySuccessful reports whether the server may have committed the
// operation despite the error: true for a timed-out retry, false for a row
// rejected before dispatch.
func (e *Error) WasPossiblySuccessful() bool { return e.possiblySuccessful }

// ReleaseFailedOp returns the failed WriteOperation to the caller, for at
// most one call; a second call panics, since ownership of the operation
// transfers to whoever calls this first.
func (e *Error) ReleaseFailedOp() *WriteOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		panic("tabletstore: Error.ReleaseFailedOp called twice on the same Error")
	}
	e.released = true
	return e.op
}

// errorCollector is a bounded ring buffer of pending Errors with an
// overflow flag.
type errorCollector struct {
	mu         sync.Mutex
	errs       []*Error
	max        int
	overflowed bool
}

func newErrorCollector(max int) *errorCollector {
	return &errorCollector{max: max}
}

func (c *errorCollector) add(e *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) >= c.max {
		c.overflowed = true
		if len(c.errs) == 0 {
			return
		}
		c.errs = c.errs[1:] // evict the oldest
	}
	c.errs = append(c.errs, e)
}

func (c *errorCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

// drain returns and clears the buffered errors plus whether the buffer
// overflowed since the last drain.
func (c *errorCollector) drain() ([]*Error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := c.errs
	overflowed := c.overflowed
	c.errs = nil
	c.overflowed = false
	return errs, overflowed
}

// Session is the application's handle for buffering and flushing
// WriteOperations under one of three flush disciplines. Its
// flush-mode/timeout/buffer-space/priority setters require external
// synchronization: a Session is not safe to reconfigure concurrently with
// Apply from another goroutine, only to use concurrently for Apply itself.
type Session struct {
	client *Client
	id     uuid.UUID

	mode          int32 // atomic FlushMode
	timeoutMillis int32 // atomic
	bufferBytes   int64 // atomic
	priority      int32 // atomic, accepted and otherwise unused

	mu             sync.Mutex
	cond           *sync.Cond
	currentBatcher *Batcher
	flushingCount  int
	closed         bool

	errors *errorCollector
}

func newSession(c *Client) *Session {
	s := &Session{
		client:        c,
		id:            uuid.New(),
		mode:          int32(FlushSync),
		timeoutMillis: defaultTimeoutMilli,
		bufferBytes:   defaultBufferBytes,
		errors:        newErrorCollector(maxPendingErrors),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the Session's identity, a random UUID assigned at creation. It
// is not attached to submitted operations or Write RPCs.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) timeout() time.Duration {
	return time.Duration(atomic.LoadInt32(&s.timeoutMillis)) * time.Millisecond
}

// SetFlushMode changes the Session's flush discipline. Must not be called
// while operations are buffered or a flush is in flight.
func (s *Session) SetFlushMode(mode FlushMode) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.currentBatcher != nil && !s.currentBatcher.Empty()) || s.flushingCount > 0 {
		return status.New(status.InvalidArgument, "cannot change flush mode with pending operations")
	}
	atomic.StoreInt32(&s.mode, int32(mode))
	return status.OKStatus
}

// SetMutationBufferSpace sets the byte threshold that triggers an implicit
// flush in Background mode, and the hard cap Manual mode enforces.
func (s *Session) SetMutationBufferSpace(bytes int64) status.Status {
	if bytes <= 0 {
		return status.New(status.InvalidArgument, "mutation buffer space must be positive")
	}
	atomic.StoreInt64(&s.bufferBytes, bytes)
	return status.OKStatus
}

// SetTimeoutMillis sets the per-flush write timeout in milliseconds.
func (s *Session) SetTimeoutMillis(millis int32) status.Status {
	if millis <= 0 {
		return status.New(status.InvalidArgument, "timeout must be positive")
	}
	atomic.StoreInt32(&s.timeoutMillis, millis)
	return status.OKStatus
}

// SetPriority accepts a priority hint. The hint is recorded but has no
// effect on dispatch order: the tablet-server protocol this client speaks
// to does not expose a priority lane to route through.
func (s *Session) SetPriority(priority int32) status.Status {
	atomic.StoreInt32(&s.priority, priority)
	return status.OKStatus
}

func (s *Session) ensureBatcherLocked() *Batcher {
	if s.currentBatcher == nil {
		s.currentBatcher = newBatcher(s.client, s.timeout(), s.errors)
	}
	return s.currentBatcher
}

// Apply buffers op according to the current flush mode. In FlushSync mode
// it blocks until the write completes and returns its outcome directly; in
// FlushBackground and FlushManual modes the call is local-only and
// per-operation failures surface later through the error collector.
func (s *Session) Apply(op *WriteOperation) status.Status {
	if op == nil {
		return status.New(status.InvalidArgument, "nil WriteOperation")
	}

	switch FlushMode(atomic.LoadInt32(&s.mode)) {
	case FlushSync:
		b := newBatcher(s.client, s.timeout(), s.errors)
		if err := b.Add(op); err != nil {
			return status.FromError(err)
		}
		return b.Flush(context.Background())

	case FlushManual:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return status.New(status.IllegalState, "session is closed")
		}
		b := s.ensureBatcherLocked()
		if b.BufferedBytes()+op.byteSize() > atomic.LoadInt64(&s.bufferBytes) {
			st := status.New(status.Incomplete, "mutation buffer space exceeded")
			s.errors.add(&Error{op: op, status: st, possiblySuccessful: false})
			return st
		}
		if err := b.Add(op); err != nil {
			return status.FromError(err)
		}
		return status.OKStatus

	default: // FlushBackground
		s.mu.Lock()
		for !s.closed {
			b := s.ensureBatcherLocked()
			if b.BufferedBytes() < atomic.LoadInt64(&s.bufferBytes) || s.flushingCount == 0 {
				break
			}
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return status.New(status.IllegalState, "session is closed")
		}
		b := s.ensureBatcherLocked()
		b.Add(op)
		full := b.BufferedBytes() >= atomic.LoadInt64(&s.bufferBytes)
		s.mu.Unlock()

		if full {
			s.FlushAsync(nil)
		}
		return status.OKStatus
	}
}

// ApplyAsync is Apply without waiting for the write in FlushSync mode: the
// resulting single-operation flush runs in the background and its outcome
// is reported only through the error collector. In FlushBackground and
// FlushManual modes it behaves exactly as Apply, including Background
// mode's suspension under buffer pressure. It takes no completion callback.
func (s *Session) ApplyAsync(op *WriteOperation) status.Status {
	if op == nil {
		return status.New(status.InvalidArgument, "nil WriteOperation")
	}
	if FlushMode(atomic.LoadInt32(&s.mode)) == FlushSync {
		b := newBatcher(s.client, s.timeout(), s.errors)
		if err := b.Add(op); err != nil {
			return status.FromError(err)
		}
		b.FlushAsync(nil)
		return status.OKStatus
	}
	return s.Apply(op)
}

// Flush synchronously flushes all buffered operations and returns a summary
// status (OK unless the flush produced per-row errors).
func (s *Session) Flush() status.Status {
	done := make(chan status.Status, 1)
	s.FlushAsync(func(st status.Status) { done <- st })
	return <-done
}

// FlushAsync starts flushing all buffered operations and invokes cb exactly
// once with a summary status when the flush completes. If nothing is
// buffered, cb fires inline.
func (s *Session) FlushAsync(cb func(status.Status)) {
	s.mu.Lock()
	s.flushAsyncLocked(cb)
	s.mu.Unlock()
}

func (s *Session) flushAsyncLocked(cb func(status.Status)) {
	old := s.currentBatcher
	s.currentBatcher = nil
	if old == nil || old.Empty() {
		if cb != nil {
			st := status.OKStatus
			if old != nil {
				st = old.summary()
			}
			cb(st)
		}
		return
	}

	s.flushingCount++
	old.FlushAsync(func() {
		s.mu.Lock()
		s.flushingCount--
		s.cond.Broadcast()
		s.mu.Unlock()
		if cb != nil {
			cb(old.summary())
		}
	})
}

// Close flushes nothing implicitly: it fails with IllegalState if any
// operations are buffered or a flush is still in flight.
func (s *Session) Close() status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentBatcher != nil && !s.currentBatcher.Empty() {
		return status.New(status.IllegalState, "session has buffered operations")
	}
	if s.flushingCount > 0 {
		return status.New(status.IllegalState, "session has a flush in progress")
	}
	s.closed = true
	return status.OKStatus
}

// HasPendingOperations reports whether there is buffered or in-flight work.
func (s *Session) HasPendingOperations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.currentBatcher != nil && !s.currentBatcher.Empty()) || s.flushingCount > 0
}

// CountBufferedOperations returns the number of operations currently
// buffered in the active (not yet flushing) batcher.
func (s *Session) CountBufferedOperations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentBatcher == nil {
		return 0
	}
	return s.currentBatcher.OpCount()
}

// CountPendingErrors returns the number of errors waiting to be read via
// GetPendingErrors.
func (s *Session) CountPendingErrors() int {
	return s.errors.count()
}

// GetPendingErrors drains the error collector, returning the buffered
// Errors and whether the collector overflowed (dropping errors) since the
// last drain.
func (s *Session) GetPendingErrors() ([]*Error, bool) {
	return s.errors.drain()
}
