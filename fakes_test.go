package tabletstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabletstore/go-client/rpc"
)

// fakeMaster is a minimal in-memory stand-in for the catalog master,
// shared across this package's tests.
type fakeMaster struct {
	mu        sync.Mutex
	schemas   map[string]rpc.Schema
	locations map[rpc.TableID][]rpc.TabletLocation
	resolve   map[rpc.ServerID]string

	lookupCalls int32
	lookupDelay time.Duration // artificially widens the Add/resolve race window
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{
		schemas:   make(map[string]rpc.Schema),
		locations: make(map[rpc.TableID][]rpc.TabletLocation),
		resolve:   make(map[rpc.ServerID]string),
	}
}

func (f *fakeMaster) LookupTablet(ctx context.Context, table rpc.TableID, key []byte) ([]rpc.TabletLocation, error) {
	atomic.AddInt32(&f.lookupCalls, 1)
	if f.lookupDelay > 0 {
		time.Sleep(f.lookupDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpc.TabletLocation(nil), f.locations[table]...), nil
}

func (f *fakeMaster) ResolveServer(ctx context.Context, id rpc.ServerID) (rpc.ServerAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.resolve[id]
	if !ok {
		addr = string(id) + ":7050"
	}
	return rpc.ServerAddress{Server: id, Addr: addr}, nil
}

func (f *fakeMaster) GetTableSchema(ctx context.Context, tableName string) (rpc.TableID, rpc.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	schema, ok := f.schemas[tableName]
	if !ok {
		return "", rpc.Schema{}, assertErr("unknown table " + tableName)
	}
	return rpc.TableID(tableName), schema, nil
}

func (f *fakeMaster) CreateTable(ctx context.Context, spec rpc.CreateTableSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[spec.TableName] = spec.Schema
	return nil
}

func (f *fakeMaster) IsCreateTableInProgress(ctx context.Context, tableName string) (bool, error) {
	return false, nil
}

func (f *fakeMaster) AlterTable(ctx context.Context, spec rpc.AlterTableSpec) error { return nil }

func (f *fakeMaster) IsAlterTableInProgress(ctx context.Context, tableName string) (bool, error) {
	return false, nil
}

func (f *fakeMaster) DeleteTable(ctx context.Context, tableName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schemas, tableName)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

// fakeTablets is a configurable stand-in for the tablet-server protocol.
type fakeTablets struct {
	mu sync.Mutex

	writeFn     func(req rpc.WriteRequest) (rpc.WriteResponse, error)
	scanOpenFn  func(req rpc.ScanOpenRequest) (rpc.ScanOpenResponse, error)
	scanNextFn  func(scannerID string) (rpc.ScanBatch, error)
	scanClosed  []string
	writeCalls  int32
	writtenRows [][]byte
}

func (f *fakeTablets) Write(ctx context.Context, addr string, req rpc.WriteRequest, timeout time.Duration) (rpc.WriteResponse, error) {
	atomic.AddInt32(&f.writeCalls, 1)
	f.mu.Lock()
	for _, batch := range req.Batches {
		for _, op := range batch.Ops {
			f.writtenRows = append(f.writtenRows, op.Row)
		}
	}
	f.mu.Unlock()
	if f.writeFn != nil {
		return f.writeFn(req)
	}
	return rpc.WriteResponse{}, nil
}

// rowsSeen returns a snapshot of every row byte slice passed to Write so
// far, safe to call concurrently with in-flight writes.
func (f *fakeTablets) rowsSeen() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writtenRows...)
}

func (f *fakeTablets) ScanOpen(ctx context.Context, addr string, req rpc.ScanOpenRequest, timeout time.Duration) (rpc.ScanOpenResponse, error) {
	if f.scanOpenFn != nil {
		return f.scanOpenFn(req)
	}
	return rpc.ScanOpenResponse{ScannerID: "s-" + string(req.Tablet), TabletExhausted: true}, nil
}

func (f *fakeTablets) ScanNext(ctx context.Context, addr string, scannerID string, timeout time.Duration) (rpc.ScanBatch, error) {
	if f.scanNextFn != nil {
		return f.scanNextFn(scannerID)
	}
	return rpc.ScanBatch{TabletExhausted: true}, nil
}

func (f *fakeTablets) ScanClose(addr string, scannerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanClosed = append(f.scanClosed, scannerID)
}

func oneTabletLocation(tablet, start, end string, leader rpc.ServerID) rpc.TabletLocation {
	return rpc.TabletLocation{
		Tablet:      rpc.TabletID(tablet),
		StartKey:    []byte(start),
		EndKey:      []byte(end),
		Replicas:    []rpc.Replica{{Server: leader, Role: rpc.RoleLeader}},
		LeaderIndex: 0,
	}
}

func newTestClient(master *fakeMaster, tablets *fakeTablets) *Client {
	c, err := NewClientBuilder(master, tablets).
		MasterAddrs("127.0.0.1:7050").
		Build()
	if err != nil {
		panic(err)
	}
	return c
}
