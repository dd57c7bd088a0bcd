package tabletstore

import (
	"context"
	"time"

	"github.com/pingcap/log"
	"github.com/tabletstore/go-client/meta"
	"github.com/tabletstore/go-client/registry"
	"github.com/tabletstore/go-client/retry"
	"github.com/tabletstore/go-client/rpc"
	"github.com/tabletstore/go-client/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// DefaultAdminTimeout is the default budget for administrative operations
// (Create/Alter/Delete table) when a ClientBuilder does not set one
// explicitly.
const DefaultAdminTimeout = 5 * time.Second

// ReplicaSelection is the policy for choosing amongst a tablet's replicas,
// consumed by Scanner.SetSelection.
type ReplicaSelection int

const (
	// LeaderOnly always selects the current leader replica.
	LeaderOnly ReplicaSelection = iota
	// ClosestReplica picks uniformly at random among the tablet's
	// replicas; no network-distance information is used.
	ClosestReplica
	// FirstReplica selects the replica at index 0 of the record.
	FirstReplica
)

// ClientBuilder constructs a Client with validated, immutable-after-build
// configuration.
type ClientBuilder struct {
	masterAddrs  []string
	adminTimeout time.Duration
	master       rpc.MasterService
	tablets      rpc.TabletService
	dialOpts     []grpc.DialOption
}

// NewClientBuilder starts a builder. master and tablets are the caller's
// concrete implementations of the external master/tablet-server protocols;
// wire encoding and the RPC transport proper are not provided by this
// package.
func NewClientBuilder(master rpc.MasterService, tablets rpc.TabletService) *ClientBuilder {
	return &ClientBuilder{
		master:       master,
		tablets:      tablets,
		adminTimeout: DefaultAdminTimeout,
	}
}

// MasterAddrs sets the RPC address(es) of the master. Required.
func (b *ClientBuilder) MasterAddrs(addrs ...string) *ClientBuilder {
	b.masterAddrs = addrs
	return b
}

// AdminTimeout sets the default timeout for administrative operations.
// Optional; defaults to DefaultAdminTimeout.
func (b *ClientBuilder) AdminTimeout(d time.Duration) *ClientBuilder {
	b.adminTimeout = d
	return b
}

// DialOptions sets the grpc.DialOption(s) used when the registry dials a
// tablet server for the first time.
func (b *ClientBuilder) DialOptions(opts ...grpc.DialOption) *ClientBuilder {
	b.dialOpts = opts
	return b
}

// Build validates the builder's configuration and constructs a Client.
func (b *ClientBuilder) Build() (*Client, error) {
	if len(b.masterAddrs) == 0 {
		return nil, status.New(status.InvalidArgument, "ClientBuilder: master address is required")
	}
	if b.master == nil || b.tablets == nil {
		return nil, status.New(status.InvalidArgument, "ClientBuilder: master and tablet service implementations are required")
	}
	if b.adminTimeout <= 0 {
		b.adminTimeout = DefaultAdminTimeout
	}

	reg := registry.New(b.master, b.dialOpts...)
	return &Client{
		masterAddrs:  b.masterAddrs,
		adminTimeout: b.adminTimeout,
		master:       b.master,
		tablets:      b.tablets,
		cache:        meta.New(b.master),
		registry:     reg,
	}, nil
}

// Client is the root handle: it owns the master endpoint configuration, the
// location cache, the tablet-server registry, and default timeouts (spec
// section 3). It is shared by many threads and, once built, its
// configuration is immutable.
type Client struct {
	masterAddrs  []string
	adminTimeout time.Duration
	master       rpc.MasterService
	tablets      rpc.TabletService
	cache        *meta.Cache
	registry     *registry.Registry
}

// MasterAddrs returns the master address(es) this client was built with.
func (c *Client) MasterAddrs() []string { return append([]string(nil), c.masterAddrs...) }

// AdminTimeout returns the default timeout for administrative operations.
func (c *Client) AdminTimeout() time.Duration { return c.adminTimeout }

// NewSession creates a new Session for interacting with the cluster. This is
// a fully local operation: no RPCs, no blocking.
func (c *Client) NewSession() *Session { return newSession(c) }

// OpenTable fetches name's schema (once; the master result is not cached
// across calls so ALTERs are observed on the next OpenTable) and returns a
// Table bound to this Client.
func (c *Client) OpenTable(ctx context.Context, name string) (*Table, error) {
	ctx, cancel := retry.Deadline(ctx, c.adminTimeout)
	defer cancel()

	id, schema, err := c.master.GetTableSchema(ctx, name)
	if err != nil {
		return nil, status.Wrap(status.NotFound, err, "open table %q", name)
	}
	return &Table{client: c, id: id, name: name, schema: schema}, nil
}

// GetTableSchema fetches name's current schema without opening a Table.
func (c *Client) GetTableSchema(ctx context.Context, name string) (rpc.Schema, error) {
	ctx, cancel := retry.Deadline(ctx, c.adminTimeout)
	defer cancel()
	_, schema, err := c.master.GetTableSchema(ctx, name)
	return schema, err
}

// DeleteTable deletes the named table.
func (c *Client) DeleteTable(ctx context.Context, name string) error {
	ctx, cancel := retry.Deadline(ctx, c.adminTimeout)
	defer cancel()
	return c.master.DeleteTable(ctx, name)
}

// NewTableCreator begins a fluent table-creation request.
func (c *Client) NewTableCreator() *TableCreator {
	return &TableCreator{client: c, spec: rpc.CreateTableSpec{WaitForAssignment: true}}
}

// IsCreateTableInProgress reports whether name's creation is still running.
func (c *Client) IsCreateTableInProgress(ctx context.Context, name string) (bool, error) {
	return c.master.IsCreateTableInProgress(ctx, name)
}

// NewTableAlterer begins a fluent table-alteration request.
func (c *Client) NewTableAlterer() *TableAlterer {
	return &TableAlterer{client: c}
}

// IsAlterTableInProgress reports whether name's alteration is still running.
func (c *Client) IsAlterTableInProgress(ctx context.Context, name string) (bool, error) {
	return c.master.IsAlterTableInProgress(ctx, name)
}

// TableCreator is a fluent builder for submitting a CreateTable request and,
// optionally, waiting for tablet assignment to finish.
type TableCreator struct {
	client *Client
	spec   rpc.CreateTableSpec
}

func (t *TableCreator) TableName(name string) *TableCreator {
	t.spec.TableName = name
	return t
}

func (t *TableCreator) Schema(schema rpc.Schema) *TableCreator {
	t.spec.Schema = schema
	return t
}

func (t *TableCreator) SplitKeys(keys [][]byte) *TableCreator {
	t.spec.SplitKeys = keys
	return t
}

func (t *TableCreator) NumReplicas(n int) *TableCreator {
	t.spec.NumReplicas = n
	return t
}

func (t *TableCreator) WaitForAssignment(wait bool) *TableCreator {
	t.spec.WaitForAssignment = wait
	return t
}

// Create submits the create-table request and, if WaitForAssignment is set
// (the default), polls IsCreateTableInProgress with exponential backoff
// bounded by the Client's admin timeout.
func (t *TableCreator) Create() error {
	if t.spec.TableName == "" {
		return status.New(status.InvalidArgument, "TableCreator: table_name is required")
	}
	if len(t.spec.Schema.Columns) == 0 {
		return status.New(status.InvalidArgument, "TableCreator: schema is required")
	}

	ctx, cancel := retry.Deadline(context.Background(), t.client.adminTimeout)
	defer cancel()

	if err := t.client.master.CreateTable(ctx, t.spec); err != nil {
		return status.Wrap(status.ServiceUnavailable, err, "create table %q", t.spec.TableName)
	}
	if !t.spec.WaitForAssignment {
		return nil
	}
	return pollInProgress(ctx, t.client.adminTimeout, func() (bool, error) {
		return t.client.master.IsCreateTableInProgress(ctx, t.spec.TableName)
	})
}

// TableAlterer is a fluent builder for submitting an AlterTable request.
type TableAlterer struct {
	client *Client
	spec   rpc.AlterTableSpec
}

func (a *TableAlterer) TableName(name string) *TableAlterer {
	a.spec.TableName = name
	return a
}

func (a *TableAlterer) RenameTable(newName string) *TableAlterer {
	a.spec.Steps = append(a.spec.Steps, rpc.AlterTableStep{RenameTableTo: newName})
	return a
}

func (a *TableAlterer) AddColumn(col rpc.ColumnSchema) *TableAlterer {
	c := col
	a.spec.Steps = append(a.spec.Steps, rpc.AlterTableStep{AddColumn: &c})
	return a
}

func (a *TableAlterer) DropColumn(name string) *TableAlterer {
	a.spec.Steps = append(a.spec.Steps, rpc.AlterTableStep{DropColumn: name})
	return a
}

func (a *TableAlterer) RenameColumn(oldName, newName string) *TableAlterer {
	a.spec.Steps = append(a.spec.Steps, rpc.AlterTableStep{RenameColumn: oldName, RenameColumnTo: newName})
	return a
}

// Alter submits the alter-table request and polls IsAlterTableInProgress
// with exponential backoff bounded by the Client's admin timeout.
func (a *TableAlterer) Alter() error {
	if a.spec.TableName == "" {
		return status.New(status.InvalidArgument, "TableAlterer: table_name is required")
	}
	if len(a.spec.Steps) == 0 {
		return status.New(status.InvalidArgument, "TableAlterer: at least one alteration step is required")
	}

	ctx, cancel := retry.Deadline(context.Background(), a.client.adminTimeout)
	defer cancel()

	if err := a.client.master.AlterTable(ctx, a.spec); err != nil {
		return status.Wrap(status.ServiceUnavailable, err, "alter table %q", a.spec.TableName)
	}
	return pollInProgress(ctx, a.client.adminTimeout, func() (bool, error) {
		return a.client.master.IsAlterTableInProgress(ctx, a.spec.TableName)
	})
}

func pollInProgress(ctx context.Context, budget time.Duration, check func() (bool, error)) error {
	b := retry.NewBackoff(50*time.Millisecond, 2*time.Second)
	for {
		if err := b.Wait(ctx); err != nil {
			return status.Wrap(status.TimedOut, err, "admin operation deadline exceeded")
		}
		inProgress, err := check()
		if err != nil {
			log.Warn("admin poll failed, retrying", zap.Error(err))
			b.Failed()
			continue
		}
		if !inProgress {
			return nil
		}
		b.Failed()
	}
}
