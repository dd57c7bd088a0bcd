package rpc

import "context"

// MasterService is the subset of the catalog master's protocol the client
// core consumes: tablet location resolution, schema fetch, and DDL
// submit/poll. A concrete implementation dials the real master RPC
// endpoint(s); this package only names the shape.
type MasterService interface {
	// LookupTablet returns the tablets whose key range intersects
	// [key, end of table), ordered by start key, so a single call can seed
	// the location cache for a forward scan as well as a point lookup.
	// Returns an empty, non-error slice if no tablet owns the key range
	// (status.NotFound is the caller's responsibility to produce).
	LookupTablet(ctx context.Context, table TableID, key []byte) ([]TabletLocation, error)

	// ResolveServer maps a ServerID to its current dialable address.
	ResolveServer(ctx context.Context, id ServerID) (ServerAddress, error)

	GetTableSchema(ctx context.Context, tableName string) (TableID, Schema, error)

	CreateTable(ctx context.Context, spec CreateTableSpec) error
	IsCreateTableInProgress(ctx context.Context, tableName string) (bool, error)

	AlterTable(ctx context.Context, spec AlterTableSpec) error
	IsAlterTableInProgress(ctx context.Context, tableName string) (bool, error)

	DeleteTable(ctx context.Context, tableName string) error
}
