// Package registry tracks per-tablet-server reachability state, pooled RPC
// proxy handles, and last-known addresses. It follows the
// refresh-with-TTL address cache of resolver.go and the
// getOrCreateConn/connMu connection-pooling pattern of scheduler/client.go,
// generalized from a single scheduler endpoint to many tablet servers.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/tabletstore/go-client/rpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const addressRefreshInterval = 60 * time.Second

// Registry owns one *grpc.ClientConn per reachable tablet server and tracks
// a simple backoff deadline for servers that have recently failed, per spec
// section 3's "unreachable until" field.
type Registry struct {
	master rpc.MasterService

	mu      sync.RWMutex
	servers map[rpc.ServerID]*serverState

	dialOpts []grpc.DialOption
}

type serverState struct {
	addr              string
	addrRefreshedAt   time.Time
	unreachableUntil  time.Time
	conn              *grpc.ClientConn
}

// New builds a Registry that resolves server addresses via master. If no
// dial options are given it dials in the clear, matching scheduler_client.go's
// connection setup.
func New(master rpc.MasterService, dialOpts ...grpc.DialOption) *Registry {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithInsecure()}
	}
	return &Registry{
		master:   master,
		servers:  make(map[rpc.ServerID]*serverState),
		dialOpts: dialOpts,
	}
}

// Resolve returns a dialable, currently-not-backed-off address for server,
// refreshing from the master if the cached address is stale or absent.
// Returns an error if the server is within its backoff window.
func (r *Registry) Resolve(ctx context.Context, server rpc.ServerID) (string, error) {
	r.mu.RLock()
	st, ok := r.servers[server]
	r.mu.RUnlock()

	now := time.Now()
	if ok {
		if now.Before(st.unreachableUntil) {
			return "", errUnreachable(server, st.unreachableUntil)
		}
		if now.Sub(st.addrRefreshedAt) < addressRefreshInterval {
			return st.addr, nil
		}
	}

	sa, err := r.master.ResolveServer(ctx, server)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok = r.servers[server]
	if !ok {
		st = &serverState{}
		r.servers[server] = st
	}
	st.addr = sa.Addr
	st.addrRefreshedAt = now
	return st.addr, nil
}

// Conn returns a pooled gRPC connection for server's current address,
// dialing lazily and reusing the connection across calls.
func (r *Registry) Conn(ctx context.Context, server rpc.ServerID) (*grpc.ClientConn, error) {
	addr, err := r.Resolve(ctx, server)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	st := r.servers[server]
	conn := st.conn
	r.mu.RUnlock()
	if conn != nil && st.addr == addr {
		return conn, nil
	}

	cc, err := grpc.DialContext(ctx, addr, r.dialOpts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st = r.servers[server]
	if st.conn != nil && st.addr == addr {
		cc.Close()
		return st.conn, nil
	}
	if st.conn != nil {
		st.conn.Close()
	}
	st.conn = cc
	return cc, nil
}

// MarkUnreachable records a failure against server, backing it off until
// the given instant so the Batcher falls back to re-resolving its location
// instead of retrying the same dead server in a tight loop.
func (r *Registry) MarkUnreachable(server rpc.ServerID, until time.Time) {
	log.Warn("registry: marking server unreachable", zap.String("server", string(server)), zap.Time("until", until))

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.servers[server]
	if !ok {
		st = &serverState{}
		r.servers[server] = st
	}
	st.unreachableUntil = until
}

// Close tears down every pooled connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, st := range r.servers {
		if st.conn == nil {
			continue
		}
		if err := st.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type unreachableError struct {
	server rpc.ServerID
	until  time.Time
}

func (e *unreachableError) Error() string {
	return "server " + string(e.server) + " is backed off until " + e.until.Format(time.RFC3339)
}

func errUnreachable(server rpc.ServerID, until time.Time) error {
	return &unreachableError{server: server, until: until}
}
