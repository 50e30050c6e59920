package dualstore

import (
	"context"
	"errors"
	"log"
	"net"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"rosterd/internal/config"
	"rosterd/internal/db"
	"rosterd/internal/repository"
)

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateErrored
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Handle is one live store connection. The connector owns its lifecycle;
// other components borrow the Store but never open or close it.
type Handle struct {
	Name  string
	Store *repository.Store
	pool  *pgxpool.Pool
	state atomic.Int32
}

func newHandle(name string) *Handle {
	h := &Handle{Name: name}
	h.state.Store(int32(StateConnecting))
	return h
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) setState(next State) {
	prev := State(h.state.Swap(int32(next)))
	if prev != next {
		log.Printf("store %s: %s -> %s", h.Name, prev, next)
	}
}

// Healthy pings the store and records the resulting health transition.
func (h *Handle) Healthy(ctx context.Context) bool {
	if h == nil || h.Store == nil {
		return false
	}
	if err := h.Store.Ping(ctx); err != nil {
		h.setState(StateErrored)
		return false
	}
	h.setState(StateConnected)
	return true
}

func (h *Handle) Close() {
	if h == nil || h.pool == nil {
		return
	}
	h.pool.Close()
	h.setState(StateDisconnected)
}

// Stores holds both handles and the startup-time primary designation.
// There is no runtime failover: the designation is fixed for the life of
// the process and mid-session store errors surface to callers.
type Stores struct {
	Local   *Handle
	Remote  *Handle
	primary *Handle
}

func (s *Stores) Primary() *repository.Store {
	return s.primary.Store
}

func (s *Stores) PrimaryName() string {
	return s.primary.Name
}

// Secondary returns the non-primary handle, nil in single-store mode.
func (s *Stores) Secondary() *Handle {
	if s.Remote == nil {
		return nil
	}
	if s.primary == s.Local {
		return s.Remote
	}
	return s.Local
}

func (s *Stores) BothHealthy(ctx context.Context) bool {
	return s.Local.Healthy(ctx) && s.Remote.Healthy(ctx)
}

func (s *Stores) Close() {
	s.Local.Close()
	s.Remote.Close()
}

// ProbeFunc checks reachability of the remote endpoint. The default probes
// DNS; tests substitute their own.
type ProbeFunc func(ctx context.Context, host string) error

func DNSProbe(ctx context.Context, host string) error {
	if host == "" {
		return errors.New("no probe host configured")
	}
	_, err := net.DefaultResolver.LookupHost(ctx, host)
	return err
}

// Connect opens both stores, ensures their schemas, and designates the
// primary. Individual connection failures are logged; only both stores
// failing is an error, which the caller treats as fatal.
func Connect(ctx context.Context, cfg config.Config) (*Stores, error) {
	return connect(ctx, cfg, DNSProbe)
}

func connect(ctx context.Context, cfg config.Config, probe ProbeFunc) (*Stores, error) {
	stores := &Stores{Local: newHandle("local")}
	openHandle(ctx, stores.Local, cfg.LocalDatabaseURL)

	if cfg.RemoteDatabaseURL != "" {
		stores.Remote = newHandle("remote")
		openHandle(ctx, stores.Remote, cfg.RemoteDatabaseURL)
	}

	choice := choosePrimary(ctx, cfg, probe)
	name, err := resolvePrimary(choice,
		stores.Local.State() == StateConnected,
		stores.Remote != nil && stores.Remote.State() == StateConnected)
	if err != nil {
		stores.Close()
		return nil, err
	}
	if name != choice {
		log.Printf("store %s unreachable, promoting %s to primary", choice, name)
	}
	if name == "remote" {
		stores.primary = stores.Remote
	} else {
		stores.primary = stores.Local
	}
	log.Printf("primary store: %s", name)
	return stores, nil
}

func openHandle(ctx context.Context, h *Handle, databaseURL string) {
	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		log.Printf("store %s connection failed: %v", h.Name, err)
		h.setState(StateErrored)
		return
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Printf("store %s schema error: %v", h.Name, err)
		pool.Close()
		h.setState(StateErrored)
		return
	}
	h.pool = pool
	h.Store = repository.NewStore(pool)
	h.setState(StateConnected)
}

// choosePrimary applies the selection policy: explicit operator configuration
// wins; otherwise the remote endpoint is probed and an unreachable remote
// falls back to local. Runs once at startup.
func choosePrimary(ctx context.Context, cfg config.Config, probe ProbeFunc) string {
	switch cfg.PrimaryStore {
	case "local", "remote":
		return cfg.PrimaryStore
	}
	if cfg.RemoteDatabaseURL == "" {
		return "local"
	}
	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	if err := probe(probeCtx, cfg.RemoteProbeHost); err != nil {
		log.Printf("remote probe failed (%v), selecting local primary", err)
		return "local"
	}
	return "remote"
}

// resolvePrimary reconciles the selected primary with what actually
// connected. A selected-but-down store yields to the healthy one; neither
// store connecting is the fatal startup condition.
func resolvePrimary(choice string, localOK, remoteOK bool) (string, error) {
	if !localOK && !remoteOK {
		return "", errors.New("neither store is reachable")
	}
	if choice == "remote" && remoteOK {
		return "remote", nil
	}
	if choice == "remote" {
		return "local", nil
	}
	if localOK {
		return "local", nil
	}
	return "remote", nil
}
