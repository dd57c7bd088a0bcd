package tabletstore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletstore/go-client/rpc"
	"github.com/tabletstore/go-client/status"
)

func tableWithOneTablet(client *Client, master *fakeMaster, leader rpc.ServerID) *Table {
	master.locations["t1"] = []rpc.TabletLocation{oneTabletLocation("tablet-1", "", "", leader)}
	return &Table{client: client, id: "t1", name: "widgets"}
}

func TestSessionSyncInsert(t *testing.T) {
	fm := newFakeMaster()
	ft := &fakeTablets{}
	c := newTestClient(fm, ft)
	table := tableWithOneTablet(c, fm, "s1")

	sess := c.NewSession()
	st := sess.Apply(table.NewInsert().SetRow([]byte("1"), []byte("row1")))

	require.True(t, st.IsOK())
	assert.Equal(t, 0, sess.CountBufferedOperations())
	assert.False(t, sess.HasPendingOperations())
	assert.Equal(t, 0, sess.CountPendingErrors())
}

func TestSessionManualOverflow(t *testing.T) {
	fm := newFakeMaster()
	ft := &fakeTablets{}
	c := newTestClient(fm, ft)
	table := tableWithOneTablet(c, fm, "s1")

	sess := c.NewSession()
	require.True(t, sess.SetFlushMode(FlushManual).IsOK())
	require.True(t, sess.SetMutationBufferSpace(1024).IsOK())

	row := make([]byte, 64)
	var lastStatus status.Status
	accepted := 0
	for i := 0; i < 32; i++ {
		lastStatus = sess.Apply(table.NewInsert().SetRow([]byte{byte(i)}, row))
		if !lastStatus.IsOK() {
			break
		}
		accepted++
	}

	assert.Equal(t, status.Incomplete, lastStatus.Code())
	assert.Less(t, accepted, 32)

	errs, _ := sess.GetPendingErrors()
	require.Len(t, errs, 1)
	assert.False(t, errs[0].WasPossiblySuccessful())
	assert.Equal(t, status.Incomplete, errs[0].Status().Code())
}

// TestSessionBackgroundDoubleFlushCallbacksBothFire covers two overlapping
// background flushes: both callbacks must eventually fire, independently of
// each other, and both rows must actually reach the tablet server rather
// than being dropped by whichever batcher was mid-flight when the second
// flush started.
func TestSessionBackgroundDoubleFlushCallbacksBothFire(t *testing.T) {
	fm := newFakeMaster()
	var aReleased, bReleased int32
	ft := &fakeTablets{
		writeFn: func(req rpc.WriteRequest) (rpc.WriteResponse, error) {
			return rpc.WriteResponse{}, nil
		},
	}
	c := newTestClient(fm, ft)
	table := tableWithOneTablet(c, fm, "s1")

	sess := c.NewSession()
	require.True(t, sess.SetFlushMode(FlushBackground).IsOK())

	require.True(t, sess.Apply(table.NewInsert().SetRow([]byte("a"), []byte("row-a"))).IsOK())

	var wg sync.WaitGroup
	wg.Add(1)
	sess.FlushAsync(func(status.Status) {
		atomic.StoreInt32(&aReleased, 1)
		wg.Done()
	})

	require.True(t, sess.Apply(table.NewInsert().SetRow([]byte("b"), []byte("row-b"))).IsOK())

	wg.Add(1)
	sess.FlushAsync(func(status.Status) {
		atomic.StoreInt32(&bReleased, 1)
		wg.Done()
	})

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&aReleased))
	assert.Equal(t, int32(1), atomic.LoadInt32(&bReleased))
	assert.Equal(t, 0, sess.CountPendingErrors())

	var rows []string
	for _, r := range ft.rowsSeen() {
		rows = append(rows, string(r))
	}
	assert.Contains(t, rows, "row-a")
	assert.Contains(t, rows, "row-b")
}

// TestSessionSyncLeaderFailover covers a first RPC attempt that reports
// NotLeader: the cache is invalidated and the retry against the
// re-resolved leader succeeds.
func TestSessionSyncLeaderFailover(t *testing.T) {
	fm := newFakeMaster()
	var attempts int32
	ft := &fakeTablets{
		writeFn: func(req rpc.WriteRequest) (rpc.WriteResponse, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				return rpc.WriteResponse{Errors: []rpc.RowOutcome{
					{BatchIndex: 0, OpIndex: 0, Code: "NOT_LEADER", Message: "leader changed"},
				}}, nil
			}
			return rpc.WriteResponse{}, nil
		},
	}
	c := newTestClient(fm, ft)
	table := tableWithOneTablet(c, fm, "s1")
	// Re-lookup after invalidation returns a fresh record naming the same
	// leader id; the fake tablet service is what actually flips outcome.
	fm.locations["t1"] = []rpc.TabletLocation{oneTabletLocation("tablet-1", "", "", "s1")}

	sess := c.NewSession()
	st := sess.Apply(table.NewInsert().SetRow([]byte("1"), []byte("row1")))

	assert.True(t, st.IsOK())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

// TestSessionManualFlushTimeoutAmbiguity covers a server that never
// responds: Flush reports the row as possibly successful rather than
// definitely failed, since the write may have landed before the timeout.
func TestSessionManualFlushTimeoutAmbiguity(t *testing.T) {
	fm := newFakeMaster()
	var attempted int32
	ft := &fakeTablets{
		writeFn: func(req rpc.WriteRequest) (rpc.WriteResponse, error) {
			atomic.AddInt32(&attempted, 1)
			time.Sleep(200 * time.Millisecond)
			return rpc.WriteResponse{}, assertErr("server partitioned")
		},
	}
	c := newTestClient(fm, ft)
	table := tableWithOneTablet(c, fm, "s1")

	sess := c.NewSession()
	require.True(t, sess.SetFlushMode(FlushManual).IsOK())
	require.True(t, sess.SetTimeoutMillis(50).IsOK())
	require.True(t, sess.Apply(table.NewInsert().SetRow([]byte("1"), []byte("row1"))).IsOK())

	st := sess.Flush()
	assert.False(t, st.IsOK())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempted), int32(1), "the write must actually have been dispatched, not dropped before reaching the tablet server")

	errs, _ := sess.GetPendingErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, status.TimedOut, errs[0].Status().Code())
	assert.True(t, errs[0].WasPossiblySuccessful())
}

func TestErrorReleaseFailedOpPanicsOnDoubleRelease(t *testing.T) {
	op := &WriteOperation{}
	e := &Error{op: op, status: status.New(status.AlreadyPresent, "dup")}

	assert.Equal(t, op, e.ReleaseFailedOp())
	assert.Panics(t, func() { e.ReleaseFailedOp() })
}

func TestSessionCloseFailsWithBufferedOps(t *testing.T) {
	fm := newFakeMaster()
	c := newTestClient(fm, &fakeTablets{})
	table := tableWithOneTablet(c, fm, "s1")

	sess := c.NewSession()
	require.True(t, sess.SetFlushMode(FlushManual).IsOK())
	require.True(t, sess.Apply(table.NewInsert().SetRow([]byte("1"), []byte("row1"))).IsOK())

	st := sess.Close()
	assert.Equal(t, status.IllegalState, st.Code())
}
