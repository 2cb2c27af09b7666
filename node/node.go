// Copyright 2026 The yapyap Authors
// This file is part of the yapyap library.
//
// The yapyap library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The yapyap library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the yapyap library. If not, see <http://www.gnu.org/licenses/>.

// Package node assembles and supervises a yapyap peer: storage, the
// node identity, the transport and the delivery engine, brought up and
// torn down in dependency order.
package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yapyap/yapyap/courier"
	"github.com/yapyap/yapyap/crypto"
	"github.com/yapyap/yapyap/message"
	"github.com/yapyap/yapyap/storage"
	"github.com/yapyap/yapyap/transport"
)

var (
	// ErrAlreadyRunning is returned by Start on a running node.
	ErrAlreadyRunning = errors.New("node: already running")
	// ErrNotRunning is returned by operations requiring a started node.
	ErrNotRunning = errors.New("node: not running")
)

const databaseName = "yapyap.db"

// Node is the supervisor owning every component of a running peer.
type Node struct {
	cfg     Config
	factory transport.Factory
	log     zerolog.Logger

	registry  *prometheus.Registry
	observers *courier.Observers

	mu       sync.Mutex
	running  bool
	stopping bool
	store    *storage.Store
	identity *crypto.Identity
	net      transport.Transport
	engine   *courier.Engine
	admin    *adminServer

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New prepares a node; nothing is opened until Start.
func New(cfg Config, factory transport.Factory, log zerolog.Logger) *Node {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Node{
		cfg:       cfg,
		factory:   factory,
		log:       log.With().Str("component", "node").Logger(),
		registry:  registry,
		observers: courier.NewObservers(log),
	}
}

// RegisterObserver attaches an observer to the delivery engine. Safe
// before or after Start.
func (n *Node) RegisterObserver(obs courier.Observer) {
	n.observers.Register(obs)
}

// Start brings the node up: storage, identity, transport, the delivery
// engine and the admin endpoint, in that order. Bootstrap dialing runs
// in the background afterwards.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(n.cfg.DataDir, 0o700); err != nil {
		return err
	}
	store, err := storage.Open(filepath.Join(n.cfg.DataDir, databaseName), n.log,
		storage.WithMaxPending(n.cfg.MaxOutboxPending))
	if err != nil {
		return err
	}

	id, err := store.LoadOrCreateIdentity(context.Background())
	if err != nil {
		store.Close()
		return err
	}

	net, err := n.factory(id, n.cfg.ListenAddr)
	if err != nil {
		store.Close()
		return err
	}

	engine := courier.NewEngine(id, store, net, n.observers, n.registry, n.log, n.cfg.courier())

	var admin *adminServer
	if n.cfg.AdminAddr != "" {
		admin = newAdminServer(n, n.cfg.AdminAddr, n.log)
		if err := admin.start(); err != nil {
			net.Close()
			store.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return n.bootstrap(gctx, net) })

	n.store = store
	n.identity = id
	n.net = net
	n.engine = engine
	n.admin = admin
	n.cancel = cancel
	n.group = g
	n.running = true
	n.stopping = false

	n.log.Info().Str("peer", string(id.PeerID())).Str("data_dir", n.cfg.DataDir).Msg("node started")
	return nil
}

// bootstrap dials the configured addresses until each succeeds, with
// exponential backoff per address and a global dial rate cap.
func (n *Node) bootstrap(ctx context.Context, net transport.Transport) error {
	if len(n.cfg.BootstrapAddrs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range n.cfg.BootstrapAddrs {
		addr := addr
		g.Go(func() error {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 0 // keep trying until shutdown
			err := backoff.Retry(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return backoff.Permanent(err)
				}
				if err := net.Connect(gctx, addr); err != nil {
					n.log.Debug().Err(err).Str("addr", addr).Msg("bootstrap dial failed")
					return err
				}
				return nil
			}, backoff.WithContext(bo, gctx))
			if err == nil {
				n.log.Info().Str("addr", addr).Msg("bootstrap peer connected")
			}
			return nil
		})
	}
	g.Wait()
	<-ctx.Done()
	return ctx.Err()
}

// Stop tears the node down in reverse order: stop accepting work,
// cancel the engine, wait for in-flight deliveries up to StopTimeout,
// then close the transport and storage. Claims still open when the
// wait expires are reclaimed by the orphan sweep on the next start.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running || n.stopping {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.stopping = true
	admin, cancel, group := n.admin, n.cancel, n.group
	net, store := n.net, n.store
	n.mu.Unlock()

	if admin != nil {
		admin.stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(n.cfg.StopTimeout):
		n.log.Warn().Msg("shutdown wait expired, abandoning in-flight work")
	}

	var firstErr error
	if err := net.Close(); err != nil {
		firstErr = err
	}
	if err := store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	n.mu.Lock()
	n.running = false
	n.stopping = false
	n.admin = nil
	n.mu.Unlock()

	n.log.Info().Msg("node stopped")
	return firstErr
}

// Self returns the node's peer ID, empty before the first Start.
func (n *Node) Self() message.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.identity == nil {
		return ""
	}
	return n.identity.PeerID()
}

// runningParts returns the live components, or ErrShuttingDown when
// the node is stopped or stopping.
func (n *Node) runningParts() (*storage.Store, *crypto.Identity, transport.Transport, *courier.Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running || n.stopping {
		return nil, nil, nil, nil, courier.ErrShuttingDown
	}
	return n.store, n.identity, n.net, n.engine, nil
}
