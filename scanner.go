package tabletstore

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tabletstore/go-client/rpc"
	"github.com/tabletstore/go-client/status"
)

// ReadMode selects the snapshot discipline a Scanner reads under.
type ReadMode int

const (
	// ReadLatest lets the server pick the read timestamp.
	ReadLatest ReadMode = iota
	// ReadAtSnapshot reads as of a caller-supplied (or server-assigned,
	// if unset) timestamp.
	ReadAtSnapshot
)

type scannerState int32

const (
	scannerFresh scannerState = iota
	scannerOpen
	scannerDrained
	scannerClosed
)

// Scanner reads rows from a table's key range, transparently advancing
// across tablets as each is exhausted. A Scanner is not safe for concurrent
// use.
type Scanner struct {
	mu    sync.Mutex
	table *Table
	state scannerState

	startKey, endKey []byte
	projection       []string
	predicates       []byte
	batchSizeBytes   uint32
	selection        ReplicaSelection
	readMode         ReadMode
	snapshotMicros   uint64
	timeout          time.Duration

	currentTablet rpc.TabletID
	currentServer string
	scannerID     string
	tabletEnd     []byte
	tabletHasMore bool
	moreTablets   bool
	pendingRows   [][]byte
}

// NewScanner creates a Fresh Scanner over table's full key range. Narrow the
// range with SetRange before Open if the caller knows it.
func (t *Table) NewScanner() *Scanner {
	return &Scanner{
		table:          t,
		batchSizeBytes: 1 << 20,
		timeout:        10 * time.Second,
		moreTablets:    true,
	}
}

// SetRange narrows the scan to [start, end). An empty end means "to the end
// of the table". Must be called before Open.
func (s *Scanner) SetRange(start, end []byte) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "SetRange requires a Fresh scanner")
	}
	s.startKey = start
	s.endKey = end
	return status.OKStatus
}

// SetProjection restricts the columns returned by NextBatch. Must be called
// before Open.
func (s *Scanner) SetProjection(cols []string) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "SetProjection requires a Fresh scanner")
	}
	s.projection = cols
	return status.OKStatus
}

// AddConjunctPredicate ANDs an already-encoded predicate into the scan.
// Predicate encoding is an external collaborator; this package only carries
// the resulting bytes.
func (s *Scanner) AddConjunctPredicate(encoded []byte) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "AddConjunctPredicate requires a Fresh scanner")
	}
	s.predicates = append(s.predicates, encoded...)
	return status.OKStatus
}

// SetBatchSizeBytes sets the target size of each server-side row block.
func (s *Scanner) SetBatchSizeBytes(n uint32) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "SetBatchSizeBytes requires a Fresh scanner")
	}
	s.batchSizeBytes = n
	return status.OKStatus
}

// SetSelection sets the replica-selection policy used when opening each
// tablet's scanner.
func (s *Scanner) SetSelection(sel ReplicaSelection) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "SetSelection requires a Fresh scanner")
	}
	s.selection = sel
	return status.OKStatus
}

// SetReadMode sets the snapshot discipline.
func (s *Scanner) SetReadMode(mode ReadMode) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "SetReadMode requires a Fresh scanner")
	}
	s.readMode = mode
	return status.OKStatus
}

// SetSnapshot pre-sets the read timestamp for ReadAtSnapshot mode, in
// microseconds since the epoch. If left at zero the server assigns one.
func (s *Scanner) SetSnapshot(micros uint64) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "SetSnapshot requires a Fresh scanner")
	}
	s.snapshotMicros = micros
	return status.OKStatus
}

// Open resolves the first tablet intersecting the scan's range, opens a
// server-side scanner on the replica selected by policy, and transitions to
// Open.
func (s *Scanner) Open(ctx context.Context) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerFresh {
		return status.New(status.IllegalState, "Open requires a Fresh scanner")
	}
	if err := s.openTabletLocked(ctx, s.startKey); err != nil {
		return status.FromError(err)
	}
	s.state = scannerOpen
	return status.OKStatus
}

// openTabletLocked resolves and opens the tablet covering key, replacing
// the scanner's current-tablet state. Caller holds s.mu.
func (s *Scanner) openTabletLocked(ctx context.Context, key []byte) error {
	loc, err := s.table.client.cache.Lookup(ctx, s.table.id, key, s.timeout)
	if err != nil {
		return err
	}

	replica, ok := s.pickReplica(loc)
	if !ok {
		return status.New(status.ServiceUnavailable, "no usable replica for tablet %s", loc.Tablet)
	}
	conn, err := s.table.client.registry.Conn(ctx, replica.Server)
	if err != nil {
		return err
	}

	resp, err := s.table.client.tablets.ScanOpen(ctx, conn.Target(), rpc.ScanOpenRequest{
		Tablet:         loc.Tablet,
		ProjectionCols: s.projection,
		Predicates:     s.predicates,
		ReadLatest:     s.readMode == ReadLatest,
		SnapshotMicros: s.snapshotMicros,
		BatchSizeBytes: s.batchSizeBytes,
	}, s.timeout)
	if err != nil {
		return err
	}

	s.currentTablet = loc.Tablet
	s.currentServer = conn.Target()
	s.scannerID = resp.ScannerID
	s.tabletEnd = loc.EndKey
	s.tabletHasMore = !resp.TabletExhausted
	s.pendingRows = resp.Rows
	s.moreTablets = len(loc.EndKey) > 0 && (len(s.endKey) == 0 || bytes.Compare(loc.EndKey, s.endKey) < 0)
	return nil
}

func (s *Scanner) pickReplica(loc rpc.TabletLocation) (rpc.Replica, bool) {
	switch s.selection {
	case ClosestReplica:
		if len(loc.Replicas) == 0 {
			return rpc.Replica{}, false
		}
		return loc.Replicas[rand.Intn(len(loc.Replicas))], true
	case FirstReplica:
		if len(loc.Replicas) == 0 {
			return rpc.Replica{}, false
		}
		return loc.Replicas[0], true
	default: // LeaderOnly
		return loc.Leader()
	}
}

// NextBatch returns the next block of encoded rows, transparently advancing
// to the next tablet when the current one is exhausted.
func (s *Scanner) NextBatch(ctx context.Context) ([][]byte, status.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scannerOpen {
		return nil, status.New(status.IllegalState, "NextBatch requires an Open scanner")
	}

	if len(s.pendingRows) > 0 {
		rows := s.pendingRows
		s.pendingRows = nil
		if !s.tabletHasMore && !s.moreTablets {
			s.state = scannerDrained
		}
		return rows, status.OKStatus
	}

	if s.tabletHasMore {
		batch, err := s.table.client.tablets.ScanNext(ctx, s.currentServer, s.scannerID, s.timeout)
		if err != nil {
			return nil, status.FromError(err)
		}
		s.tabletHasMore = !batch.TabletExhausted
		if !s.tabletHasMore && !s.moreTablets {
			s.state = scannerDrained
		}
		return batch.Rows, status.OKStatus
	}

	// Current tablet exhausted: best-effort close, then advance.
	s.table.client.tablets.ScanClose(s.currentServer, s.scannerID)

	if !s.moreTablets {
		s.state = scannerDrained
		return nil, status.OKStatus
	}
	nextKey := s.tabletEnd
	if err := s.openTabletLocked(ctx, nextKey); err != nil {
		return nil, status.FromError(err)
	}
	rows := s.pendingRows
	s.pendingRows = nil
	if !s.tabletHasMore && !s.moreTablets {
		s.state = scannerDrained
	}
	return rows, status.OKStatus
}

// HasMoreRows reports whether the current tablet has more data or
// additional tablets remain to be scanned.
func (s *Scanner) HasMoreRows() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == scannerDrained || s.state == scannerClosed {
		return false
	}
	return len(s.pendingRows) > 0 || s.tabletHasMore || s.moreTablets
}

// Close is best-effort: it never fails and never blocks the caller on a
// server round trip. It resets the Scanner to Fresh, clearing the range,
// projection, predicates and mode along with it; all must be re-applied
// before the Scanner is reused.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == scannerOpen && s.scannerID != "" {
		s.table.client.tablets.ScanClose(s.currentServer, s.scannerID)
	}
	s.state = scannerFresh
	s.startKey = nil
	s.endKey = nil
	s.projection = nil
	s.predicates = nil
	s.batchSizeBytes = 1 << 20
	s.selection = LeaderOnly
	s.readMode = ReadLatest
	s.snapshotMicros = 0
	s.currentTablet = ""
	s.currentServer = ""
	s.scannerID = ""
	s.tabletEnd = nil
	s.tabletHasMore = false
	s.moreTablets = true
	s.pendingRows = nil
}

