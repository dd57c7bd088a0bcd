// Package tabletstore is a client library for a distributed, tablet-sharded,
// schema-ful columnar store.
package tabletstore

/*
A process embeds this package to read and write rows against tables that are
partitioned into tablets, each replicated across multiple tablet servers
under the coordination of a catalog master.

The hard engineering lives in the write path: Session and Batcher accept
row-level write operations concurrently from application threads, resolve
each operation to the tablet and leader replica that owns it via the meta
package's location cache, group operations destined for the same server into
aggregate RPCs, and dispatch them under one of three flush disciplines.

The module is organized into the following packages:

* (root): Client, Table, WriteOperation, Session, Batcher, Scanner —
  the public surface and the batching/retry core.
* `meta`: the location cache mapping (table, row key) to tablet and replica.
* `registry`: per-tablet-server reachability state and pooled RPC proxies.
* `rpc`: the interfaces this package requires of the master and tablet-server
  protocols and of the RPC transport. Wire encoding and the protocols
  themselves are not implemented here; a caller supplies a concrete
  implementation.
* `status`: the client-visible error taxonomy.
* `retry`: shared jittered-backoff helpers used by meta, the client's admin
  polling and the batcher.
*/
