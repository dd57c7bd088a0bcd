package tabletstore

import (
	"github.com/tabletstore/go-client/rpc"
)

// Table is a reference to a named table plus the schema snapshot fetched at
// open time. The schema is treated as immutable for the Table's lifetime; a
// concurrent ALTER on the server does not mutate an open Table.
type Table struct {
	client *Client
	id     rpc.TableID
	name   string
	schema rpc.Schema
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Schema returns the schema snapshot captured when the table was opened.
func (t *Table) Schema() rpc.Schema { return t.schema }

// Client returns the Client this Table was opened from (a non-owning
// back-reference).
func (t *Table) Client() *Client { return t.client }

// NewInsert creates a new Insert write operation for this table.
func (t *Table) NewInsert() *WriteOperation { return newWriteOp(t, rpc.OpInsert) }

// NewUpdate creates a new Update write operation for this table.
func (t *Table) NewUpdate() *WriteOperation { return newWriteOp(t, rpc.OpUpdate) }

// NewDelete creates a new Delete write operation for this table.
func (t *Table) NewDelete() *WriteOperation { return newWriteOp(t, rpc.OpDelete) }

// WriteOperation is an immutable-once-sealed value describing one
// insert/update/delete. Ownership transfers from the caller to the Session
// at Apply time; on failure it transfers to an Error, from which the caller
// may reclaim it via Error.ReleaseFailedOp.
type WriteOperation struct {
	table *Table
	kind  rpc.OpKind
	key   []byte
	row   []byte
	seq   uint64
}

func newWriteOp(t *Table, kind rpc.OpKind) *WriteOperation {
	return &WriteOperation{table: t, kind: kind}
}

// Table returns the table this operation targets.
func (w *WriteOperation) Table() *Table { return w.table }

// Kind returns the operation's variant.
func (w *WriteOperation) Kind() rpc.OpKind { return w.kind }

// SetRow attaches the already-encoded row (with its presence bitmap for
// Update/Delete) to the operation, along with the raw primary-key bytes used
// to route it to a tablet. Row encoding is left to the caller; this package
// only carries the resulting bytes and the key.
func (w *WriteOperation) SetRow(key, row []byte) *WriteOperation {
	w.key = key
	w.row = row
	return w
}

// Key returns the operation's routing key.
func (w *WriteOperation) Key() []byte { return w.key }

func (w *WriteOperation) encode() rpc.EncodedOp {
	return rpc.EncodedOp{Kind: w.kind, Row: w.row}
}

func (w *WriteOperation) byteSize() int64 {
	return int64(len(w.row))
}
