// Package meta implements the location cache ("meta cache"): the
// client-side map from (table, row key) to the tablet that owns the key and
// that tablet's replica set, populated lazily from the master and
// invalidated on staleness signals from tablet servers.
package meta

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/tabletstore/go-client/retry"
	"github.com/tabletstore/go-client/rpc"
	"github.com/tabletstore/go-client/status"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache is the location cache. It is safe for concurrent use by many
// Sessions and Scanners sharing one Client.
type Cache struct {
	master rpc.MasterService

	mu     sync.RWMutex
	tables map[rpc.TableID]*tableLocations
	byID   map[rpc.TabletID]tabletRef // reverse index for MarkFollower/Invalidate

	group singleflight.Group

	backoffInitial time.Duration
	backoffMax     time.Duration
}

type tabletRef struct {
	table rpc.TableID
	index int // position within tables[table].sorted at the time of indexing
}

// tableLocations holds one table's tablets sorted by start key so a lookup
// can binary-search the start keys within a table.
type tableLocations struct {
	sorted []rpc.TabletLocation
}

// New builds a Cache backed by master for tablet-location RPCs.
func New(master rpc.MasterService) *Cache {
	return &Cache{
		master:         master,
		tables:         make(map[rpc.TableID]*tableLocations),
		byID:           make(map[rpc.TabletID]tabletRef),
		backoffInitial: 50 * time.Millisecond,
		backoffMax:     2 * time.Second,
	}
}

// Lookup resolves the tablet owning key in table, refreshing from the master
// if the cache has no current record for that key range. Concurrent lookups
// for the same uncached key coalesce into a single in-flight master RPC.
func (c *Cache) Lookup(ctx context.Context, table rpc.TableID, key []byte, timeout time.Duration) (rpc.TabletLocation, error) {
	if loc, ok := c.lookupCached(table, key); ok {
		return loc, nil
	}

	deadlineCtx, cancel := retry.Deadline(ctx, timeout)
	defer cancel()

	sfKey := string(table) + "\x00" + string(key)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		return c.refresh(deadlineCtx, table, key, timeout)
	})
	if err != nil {
		return rpc.TabletLocation{}, err
	}
	return v.(rpc.TabletLocation), nil
}

func (c *Cache) lookupCached(table rpc.TableID, key []byte) (rpc.TabletLocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tl, ok := c.tables[table]
	if !ok {
		return rpc.TabletLocation{}, false
	}
	idx := tl.find(key)
	if idx < 0 {
		return rpc.TabletLocation{}, false
	}
	return tl.sorted[idx], true
}

// find returns the index of the tablet covering key, or -1.
func (tl *tableLocations) find(key []byte) int {
	// sorted by StartKey ascending; find last entry with StartKey <= key.
	i := sort.Search(len(tl.sorted), func(i int) bool {
		return bytes.Compare(tl.sorted[i].StartKey, key) > 0
	})
	if i == 0 {
		return -1
	}
	loc := tl.sorted[i-1]
	if len(loc.EndKey) > 0 && bytes.Compare(key, loc.EndKey) >= 0 {
		return -1
	}
	return i - 1
}

func (c *Cache) refresh(ctx context.Context, table rpc.TableID, key []byte, timeout time.Duration) (rpc.TabletLocation, error) {
	b := retry.NewBackoff(c.backoffInitial, c.backoffMax)
	for {
		if err := b.Wait(ctx); err != nil {
			return rpc.TabletLocation{}, status.Wrap(status.TimedOut, err, "master lookup deadline exceeded")
		}

		locs, err := c.master.LookupTablet(ctx, table, key)
		if err != nil {
			log.Warn("meta: master lookup failed, retrying", zap.String("table", string(table)), zap.Error(err))
			b.Failed()
			select {
			case <-ctx.Done():
				return rpc.TabletLocation{}, status.Wrap(status.TimedOut, ctx.Err(), "master lookup deadline exceeded")
			default:
				continue
			}
		}
		if len(locs) == 0 {
			return rpc.TabletLocation{}, status.New(status.NotFound, "no tablet owns key range in table %s", table)
		}

		now := time.Now()
		for i := range locs {
			locs[i].PopulatedAt = now
		}
		c.insert(table, locs)

		tl, _ := c.lookupCached(table, key)
		if tl.Tablet == "" {
			return rpc.TabletLocation{}, status.New(status.NotFound, "master returned tablets not covering key in table %s", table)
		}
		return tl, nil
	}
}

func (c *Cache) insert(table rpc.TableID, locs []rpc.TabletLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tl, ok := c.tables[table]
	if !ok {
		tl = &tableLocations{}
		c.tables[table] = tl
	}
	merged := mergeLocations(tl.sorted, locs)
	tl.sorted = merged
	for i, loc := range merged {
		c.byID[loc.Tablet] = tabletRef{table: table, index: i}
	}
}

// mergeLocations replaces any existing record overlapping a fresh one and
// keeps the result sorted by start key, preserving the invariant that a
// table's tablets never overlap.
func mergeLocations(existing, fresh []rpc.TabletLocation) []rpc.TabletLocation {
	out := make([]rpc.TabletLocation, 0, len(existing)+len(fresh))
	out = append(out, existing...)
	for _, f := range fresh {
		kept := out[:0]
		for _, e := range out {
			if overlaps(e, f) {
				continue
			}
			kept = append(kept, e)
		}
		out = append(kept, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].StartKey, out[j].StartKey) < 0
	})
	return out
}

func overlaps(a, b rpc.TabletLocation) bool {
	aEnd, bEnd := a.EndKey, b.EndKey
	if len(aEnd) == 0 {
		aEnd = nil
	}
	if len(bEnd) == 0 {
		bEnd = nil
	}
	startsBeforeAEnds := aEnd == nil || bytes.Compare(b.StartKey, aEnd) < 0
	endsAfterBStarts := bEnd == nil || bytes.Compare(a.StartKey, bEnd) < 0
	return startsBeforeAEnds && endsAfterBStarts
}

// MarkFollower records that server is no longer believed to be the leader
// of tablet, without discarding the rest of the replica set. The next
// Lookup on this tablet observes the demotion.
func (c *Cache) MarkFollower(tablet rpc.TabletID, server rpc.ServerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.byID[tablet]
	if !ok {
		return
	}
	tl := c.tables[ref.table]
	if ref.index >= len(tl.sorted) || tl.sorted[ref.index].Tablet != tablet {
		return
	}
	loc := tl.sorted[ref.index]
	if leader, ok := loc.Leader(); ok && leader.Server == server {
		loc.LeaderIndex = -1
		loc.Epoch++
		tl.sorted[ref.index] = loc
	}
}

// Invalidate evicts the cached record for tablet entirely; the next Lookup
// that would have hit this tablet re-fetches from the master.
func (c *Cache) Invalidate(tablet rpc.TabletID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.byID[tablet]
	if !ok {
		return
	}
	delete(c.byID, tablet)
	tl, ok := c.tables[ref.table]
	if !ok {
		return
	}
	filtered := tl.sorted[:0]
	for _, loc := range tl.sorted {
		if loc.Tablet == tablet {
			continue
		}
		filtered = append(filtered, loc)
	}
	tl.sorted = filtered
	for i, loc := range tl.sorted {
		c.byID[loc.Tablet] = tabletRef{table: ref.table, index: i}
	}
}
