// Package daemon assembles the bridge: discovery, the connection pool, the
// session hub, routing and the HTTP API, wired over the event bus and
// supervised by the runtime service host.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	configstore "github.com/unity-mcp/bridge/internal/config/store"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/eventbus"
	"github.com/unity-mcp/bridge/internal/hub"
	"github.com/unity-mcp/bridge/internal/observability"
	"github.com/unity-mcp/bridge/internal/procutil"
	"github.com/unity-mcp/bridge/internal/routing"
	bridgeruntime "github.com/unity-mcp/bridge/internal/runtime"
	"github.com/unity-mcp/bridge/internal/server"
	"github.com/unity-mcp/bridge/internal/transport"
	"github.com/unity-mcp/bridge/internal/unityconn"
)

const (
	// storeQueryTimeout bounds context deadlines for state store lookups
	// made on behalf of synchronous callers (selection reads, history).
	storeQueryTimeout = 5 * time.Second

	// serviceOpTimeout bounds service lifecycle operations.
	serviceOpTimeout = 5 * time.Second
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Config *config.Config
	Store  *configstore.Store
}

// Daemon is the long-running bridge process.
type Daemon struct {
	cfg        *config.Config
	store      *configstore.Store
	bus        *eventbus.Bus
	pool       *unityconn.Pool
	hub        *hub.Hub
	dispatcher *transport.Dispatcher
	apiServer  *server.APIServer
	host       *bridgeruntime.ServiceHost
	lifecycle  *bridgeruntime.Lifecycle
	paths      config.BridgePaths

	ctx    context.Context
	cancel context.CancelFunc
	errMu  sync.Mutex
	runErr error
}

// New wires a daemon around the provided configuration and state store.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: configuration is required")
	}
	if opts.Store == nil {
		return nil, errors.New("daemon: state store is required")
	}
	cfg := opts.Config

	paths, err := config.EnsureBridgeDirs()
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	bus := eventbus.New()

	scanner := discovery.NewScanner(config.RegistryDir(), cfg.UnityHost, cfg.ProbeTimeout, cfg.StatusFreshFor)
	pool := unityconn.NewPool(cfg, scanner, bus)
	socket := unityconn.NewDispatcher(cfg, pool, bus)
	sessionHub := hub.New(cfg, bus)

	router := routing.NewRouter(&selectionStore{store: opts.Store}, nil)
	dispatcher := transport.New(cfg, pool, socket, sessionHub, router)

	eventCounter := observability.NewEventCounter()
	bus.AddObserver(eventCounter)
	exporter := observability.NewPrometheusExporter(bus, eventCounter)
	exporter.WithInstances(pool)
	exporter.WithSessions(sessionHub)

	apiServer := server.New(cfg, dispatcher, sessionHub, exporter, &historyProvider{store: opts.Store})

	d := &Daemon{
		cfg:        cfg,
		store:      opts.Store,
		bus:        bus,
		pool:       pool,
		hub:        sessionHub,
		dispatcher: dispatcher,
		apiServer:  apiServer,
		host:       bridgeruntime.NewServiceHost(),
		lifecycle:  bridgeruntime.NewLifecycle(),
		paths:      paths,
	}

	if err := d.host.Register("discovery", func(ctx context.Context) (bridgeruntime.Service, error) {
		return &discoveryService{pool: pool, interval: cfg.DiscoveryTTL}, nil
	}); err != nil {
		return nil, err
	}
	if err := d.host.Register("history", func(ctx context.Context) (bridgeruntime.Service, error) {
		return &historyService{bus: bus, store: opts.Store}, nil
	}); err != nil {
		return nil, err
	}
	if err := d.host.Register("api", func(ctx context.Context) (bridgeruntime.Service, error) {
		return &apiService{server: apiServer}, nil
	}); err != nil {
		return nil, err
	}

	return d, nil
}

// Start runs the daemon until Shutdown is called or a service fails.
func (d *Daemon) Start() error {
	if err := bridgeruntime.WritePIDFile(d.paths.PIDFile, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer bridgeruntime.RemovePIDFile(d.paths.PIDFile)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.host.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()
	log.Printf("[Daemon] running, transport=%s, api=%s", d.cfg.Transport, d.apiServer.Addr())

	<-d.lifecycle.Done()

	d.cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.host.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	cancel()

	d.pool.DisconnectAll()
	d.bus.Shutdown()

	if err := d.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: store close error: %v\n", err)
	}

	return d.getRunError()
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() {
	d.lifecycle.Shutdown()
	if d.cancel != nil {
		d.cancel()
	}
}

// APIServer returns the HTTP front door, exposed for tests.
func (d *Daemon) APIServer() *server.APIServer {
	return d.apiServer
}

// Dispatcher returns the transport dispatcher.
func (d *Daemon) Dispatcher() *transport.Dispatcher {
	return d.dispatcher
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.host.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.lifecycle.Shutdown()
			if d.cancel != nil {
				d.cancel()
			}
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	if err == nil {
		return
	}
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// IsRunning reports whether a daemon already serves the default bridge
// directory, checking the HTTP binding first and the pid file second.
func IsRunning(cfg *config.Config) bool {
	if conn, err := net.Dial("tcp", cfg.HTTPBinding); err == nil {
		conn.Close()
		return true
	}

	paths := config.GetBridgePaths()
	pid, err := bridgeruntime.ReadPIDFile(paths.PIDFile)
	if err != nil {
		return false
	}
	if !procutil.IsProcessAlive(pid) {
		os.Remove(paths.PIDFile)
		return false
	}
	return true
}

// RunningPID returns the pid recorded by a live daemon, or 0.
func RunningPID() int {
	paths := config.GetBridgePaths()
	pid, err := bridgeruntime.ReadPIDFile(paths.PIDFile)
	if err != nil || !procutil.IsProcessAlive(pid) {
		return 0
	}
	return pid
}

// discoveryService rescans the instance registry on a fixed interval so the
// pool's view (and the published diffs) stay fresh even when no commands
// are flowing.
type discoveryService struct {
	pool     *unityconn.Pool
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *discoveryService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.pool.DiscoverAll(true)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.pool.DiscoverAll(true)
			}
		}
	}()
	return nil
}

func (s *discoveryService) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// historyService records discovered instances into the state store.
type historyService struct {
	bus   *eventbus.Bus
	store *configstore.Store
	sub   *eventbus.TypedSubscription[eventbus.InstanceEvent]
	done  chan struct{}
}

func (s *historyService) Start(ctx context.Context) error {
	s.sub = eventbus.SubscribeTo(s.bus, eventbus.InstancesDiscovered,
		eventbus.WithSubscriptionName("history"))
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for ev := range s.sub.C() {
			recCtx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
			err := s.store.RecordInstance(recCtx, configstore.InstanceRecord{
				InstanceID: ev.InstanceID,
				Name:       ev.Name,
				Hash:       ev.Hash,
				Port:       ev.Port,
			})
			cancel()
			if err != nil {
				log.Printf("[History] record %s: %v", ev.InstanceID, err)
			}
		}
	}()
	return nil
}

func (s *historyService) Shutdown(ctx context.Context) error {
	if s.sub != nil {
		s.sub.Close()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// apiService adapts the HTTP server to the runtime service contract.
type apiService struct {
	server *server.APIServer
}

func (s *apiService) Start(ctx context.Context) error {
	return s.server.Start()
}

func (s *apiService) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// selectionStore bridges the ctx-less routing.SelectionStore contract onto
// the sqlite store.
type selectionStore struct {
	store *configstore.Store
}

func (s *selectionStore) ActiveInstance(sessionKey string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()
	return s.store.ActiveInstance(ctx, sessionKey)
}

func (s *selectionStore) SetActiveInstance(sessionKey, instanceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()
	return s.store.SetActiveInstance(ctx, sessionKey, instanceID)
}

func (s *selectionStore) ClearActiveInstance(sessionKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()
	return s.store.ClearActiveInstance(ctx, sessionKey)
}

// historyProvider adapts store history rows to the API server's shape.
type historyProvider struct {
	store *configstore.Store
}

func (p *historyProvider) History(ctx context.Context, limit int) ([]server.HistoryEntry, error) {
	records, err := p.store.RecentInstances(ctx, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]server.HistoryEntry, len(records))
	for i, rec := range records {
		entries[i] = server.HistoryEntry{
			InstanceID:   rec.InstanceID,
			Name:         rec.Name,
			Hash:         rec.Hash,
			Port:         rec.Port,
			UnityVersion: rec.UnityVersion,
			LastSeenAt:   rec.LastSeenAt,
		}
	}
	return entries, nil
}
