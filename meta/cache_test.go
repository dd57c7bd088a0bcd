package meta

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabletstore/go-client/rpc"
)

type fakeMaster struct {
	mu        sync.Mutex
	calls     int32
	locations map[string][]rpc.TabletLocation // key: table
	delay     time.Duration
	failTimes int32
}

func (f *fakeMaster) LookupTablet(ctx context.Context, table rpc.TableID, key []byte) ([]rpc.TabletLocation, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if atomic.LoadInt32(&f.failTimes) > 0 {
		atomic.AddInt32(&f.failTimes, -1)
		return nil, assertErr{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpc.TabletLocation(nil), f.locations[string(table)]...), nil
}

type assertErr struct{}

func (assertErr) Error() string { return "transient failure" }

func (f *fakeMaster) ResolveServer(ctx context.Context, id rpc.ServerID) (rpc.ServerAddress, error) {
	return rpc.ServerAddress{Server: id, Addr: string(id) + ":7050"}, nil
}
func (f *fakeMaster) GetTableSchema(ctx context.Context, tableName string) (rpc.TableID, rpc.Schema, error) {
	return rpc.TableID(tableName), rpc.Schema{}, nil
}
func (f *fakeMaster) CreateTable(ctx context.Context, spec rpc.CreateTableSpec) error { return nil }
func (f *fakeMaster) IsCreateTableInProgress(ctx context.Context, tableName string) (bool, error) {
	return false, nil
}
func (f *fakeMaster) AlterTable(ctx context.Context, spec rpc.AlterTableSpec) error { return nil }
func (f *fakeMaster) IsAlterTableInProgress(ctx context.Context, tableName string) (bool, error) {
	return false, nil
}
func (f *fakeMaster) DeleteTable(ctx context.Context, tableName string) error { return nil }

func oneTablet(tablet, start, end string, leader rpc.ServerID) rpc.TabletLocation {
	return rpc.TabletLocation{
		Tablet:      rpc.TabletID(tablet),
		StartKey:    []byte(start),
		EndKey:      []byte(end),
		Replicas:    []rpc.Replica{{Server: leader, Role: rpc.RoleLeader}, {Server: "s2", Role: rpc.RoleFollower}},
		LeaderIndex: 0,
	}
}

func TestLookupCachesAcrossCalls(t *testing.T) {
	fm := &fakeMaster{locations: map[string][]rpc.TabletLocation{
		"t1": {oneTablet("tablet-1", "", "", "s1")},
	}}
	c := New(fm)

	loc, err := c.Lookup(context.Background(), "t1", []byte("a"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, rpc.TabletID("tablet-1"), loc.Tablet)

	_, err = c.Lookup(context.Background(), "t1", []byte("z"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fm.calls), "second lookup should hit cache")
}

func TestLookupCoalescesConcurrentMisses(t *testing.T) {
	fm := &fakeMaster{
		delay:     50 * time.Millisecond,
		locations: map[string][]rpc.TabletLocation{"t1": {oneTablet("tablet-1", "", "", "s1")}},
	}
	c := New(fm)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Lookup(context.Background(), "t1", []byte("k"), time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fm.calls), "concurrent misses on the same key must coalesce")
}

func TestLookupNotFound(t *testing.T) {
	fm := &fakeMaster{locations: map[string][]rpc.TabletLocation{}}
	c := New(fm)
	_, err := c.Lookup(context.Background(), "missing", []byte("k"), time.Second)
	assert.Error(t, err)
}

func TestLookupRetriesTransientFailure(t *testing.T) {
	fm := &fakeMaster{
		failTimes: 2,
		locations: map[string][]rpc.TabletLocation{"t1": {oneTablet("tablet-1", "", "", "s1")}},
	}
	c := New(fm)
	c.backoffInitial = time.Millisecond
	c.backoffMax = 5 * time.Millisecond

	loc, err := c.Lookup(context.Background(), "t1", []byte("k"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, rpc.TabletID("tablet-1"), loc.Tablet)
}

func TestMarkFollowerDemotesOnlyCurrentLeader(t *testing.T) {
	fm := &fakeMaster{locations: map[string][]rpc.TabletLocation{
		"t1": {oneTablet("tablet-1", "", "", "s1")},
	}}
	c := New(fm)
	_, err := c.Lookup(context.Background(), "t1", []byte("k"), time.Second)
	require.NoError(t, err)

	c.MarkFollower("tablet-1", "s2") // not the leader, no-op
	loc, _ := c.lookupCached("t1", []byte("k"))
	_, hasLeader := loc.Leader()
	assert.True(t, hasLeader)

	c.MarkFollower("tablet-1", "s1") // the leader, demotes
	loc, _ = c.lookupCached("t1", []byte("k"))
	_, hasLeader = loc.Leader()
	assert.False(t, hasLeader)
}

func TestInvalidateEvictsAndKeepsSiblingsIndexed(t *testing.T) {
	fm := &fakeMaster{locations: map[string][]rpc.TabletLocation{
		"t1": {
			oneTablet("tablet-1", "", "m", "s1"),
			oneTablet("tablet-2", "m", "", "s1"),
		},
	}}
	c := New(fm)
	_, err := c.Lookup(context.Background(), "t1", []byte("a"), time.Second)
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "t1", []byte("z"), time.Second)
	require.NoError(t, err)

	c.Invalidate("tablet-1")

	_, ok := c.lookupCached("t1", []byte("a"))
	assert.False(t, ok, "invalidated tablet should no longer be cached")

	loc, ok := c.lookupCached("t1", []byte("z"))
	require.True(t, ok, "sibling tablet must remain correctly indexed after compaction")
	assert.Equal(t, rpc.TabletID("tablet-2"), loc.Tablet)

	// MarkFollower on the surviving tablet must still resolve via byID
	// after the index rebuild that Invalidate performs.
	c.MarkFollower("tablet-2", "s1")
	loc, _ = c.lookupCached("t1", []byte("z"))
	_, hasLeader := loc.Leader()
	assert.False(t, hasLeader)
}
