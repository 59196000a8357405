// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/driver/operation"
	"github.com/coremongo/dispatcher/event"
)

// ErrServerClosed occurs when an attempt to get a connection is made after
// the server has been closed.
var ErrServerClosed = errors.New("topology: server is closed")

// ErrServerConnected occurs when Connect is called on a server that's
// already connected.
var ErrServerConnected = errors.New("topology: server is connected")

// connection state constants for the Server, independent of the pool's own
// state, matching the teacher's connectionstate machine.
const (
	serverDisconnected int32 = iota
	serverDisconnecting
	serverConnected
	serverConnecting
)

// updateTopologyCallback lets a Server report a new ServerDescription to
// its owning Topology, which runs it through the fsm and may hand back a
// different ServerDescription to store (e.g. if it arrived stale).
type updateTopologyCallback func(description.Server) description.Server

// Server monitors one address with an isolated heartbeat loop (spec §4.2's
// Monitor module) and backs it with a pooled set of Connections.
type Server struct {
	cfg  *serverConfig
	addr address.Address

	connectionstate int32
	pool            *pool

	done          chan struct{}
	checkNow      chan struct{}
	disconnecting chan struct{}
	closewg       sync.WaitGroup

	desc atomic.Value // description.Server

	updateTopologyCallback atomic.Value // updateTopologyCallback

	averageRTTSet bool
	averageRTT    time.Duration

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Server
	currentSubscriberID uint64
	subscriptionsClosed bool

	processErrorLock sync.Mutex
}

// ConnectServer builds a Server and immediately Connects it.
func ConnectServer(addr address.Address, updateCallback updateTopologyCallback, opts ...ServerOption) (*Server, error) {
	srv, err := NewServer(addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := srv.Connect(updateCallback); err != nil {
		return nil, err
	}
	return srv, nil
}

// NewServer constructs a Server without starting its monitor goroutine.
func NewServer(addr address.Address, opts ...ServerOption) (*Server, error) {
	cfg := newServerConfig(opts...)

	s := &Server{
		cfg:           cfg,
		addr:          addr,
		done:          make(chan struct{}),
		checkNow:      make(chan struct{}, 1),
		disconnecting: make(chan struct{}),
		subscribers:   make(map[uint64]chan description.Server),
	}
	s.desc.Store(description.NewDefaultServer(addr))

	connOpts := append([]ConnectionOption{
		WithConnectionCompressors(cfg.compressionOpts),
		WithConnectionAppName(cfg.appname),
		WithIdleTimeout(cfg.connectionPoolMaxIdleTime),
	}, cfg.connectionOpts...)

	pc := poolConfig{
		Address:        addr,
		MinPoolSize:    cfg.minConns,
		MaxPoolSize:    cfg.maxConns,
		MaxIdleTime:    cfg.connectionPoolMaxIdleTime,
		PoolMonitor:    cfg.poolMonitor,
		ConnectionOpts: connOpts,
	}
	s.pool = newPool(pc)

	return s, nil
}

// Connect starts the monitor goroutine. updateCallback is invoked with
// every new ServerDescription; the value it returns is what's actually
// stored (letting the owning Topology reject stale replies).
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, serverDisconnected, serverConnecting) {
		return ErrServerConnected
	}
	s.updateTopologyCallback.Store(updateCallback)
	s.pool.connect()
	s.closewg.Add(1)
	go s.update()
	atomic.StoreInt32(&s.connectionstate, serverConnected)
	return nil
}

// Disconnect stops the monitor goroutine and drains the pool.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, serverConnected, serverDisconnecting) {
		return ErrServerClosed
	}

	s.updateTopologyCallback.Store(updateTopologyCallback(nil))
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	if err := s.pool.disconnect(ctx); err != nil {
		return err
	}

	s.closewg.Wait()
	atomic.StoreInt32(&s.connectionstate, serverDisconnected)
	return nil
}

// Description returns the most recently stored ServerDescription.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// SelectedDescription wraps Description for the driver.Server-via-SelectServer
// path, always reporting Single the way a directly-addressed server does
// (the owning Topology's kind is what dispatch actually branches on).
func (s *Server) SelectedDescription() description.SelectedServer {
	return description.SelectedServer{Server: s.Description(), Kind: description.Single}
}

// Connection checks out a pooled Connection, implementing driver.Server.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	if s.pool.monitor != nil && s.pool.monitor.Event != nil {
		s.pool.monitor.Event(&event.PoolEvent{Type: event.PoolEventConnectionCheckOutStarted, Address: s.addr.String()})
	}
	if atomic.LoadInt32(&s.connectionstate) != serverConnected {
		return nil, ErrServerClosed
	}
	c, err := s.pool.get(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledConnection{connection: c, srv: s}, nil
}

// pooledConnection adapts a raw *connection so Close returns it to the pool
// instead of tearing down the socket, the way the teacher's Connection
// wrapper around its own internal connection type does.
type pooledConnection struct {
	*connection
	srv *Server
}

// Close returns the connection to the pool rather than closing the socket
// outright (the pool decides whether it's still current-generation/alive).
func (pc *pooledConnection) Close() error {
	pc.srv.pool.checkin(pc.connection)
	return nil
}

// ServerSubscription delivers every new ServerDescription this Server
// observes.
type ServerSubscription struct {
	C  <-chan description.Server
	s  *Server
	id uint64
}

// Unsubscribe closes the subscription's channel and removes it.
func (ss *ServerSubscription) Unsubscribe() error {
	ss.s.subLock.Lock()
	defer ss.s.subLock.Unlock()
	if ss.s.subscriptionsClosed {
		return nil
	}
	ch, ok := ss.s.subscribers[ss.id]
	if !ok {
		return nil
	}
	close(ch)
	delete(ss.s.subscribers, ss.id)
	return nil
}

// Subscribe registers a channel that receives every description this Server
// observes, pre-populated with the current one.
func (s *Server) Subscribe() (*ServerSubscription, error) {
	if atomic.LoadInt32(&s.connectionstate) != serverConnected {
		return nil, ErrServerClosed
	}
	ch := make(chan description.Server, 1)
	ch <- s.Description()

	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subscriptionsClosed {
		return nil, errors.New("topology: cannot subscribe to a closed server")
	}
	id := s.currentSubscriberID
	s.currentSubscriberID++
	s.subscribers[id] = ch
	return &ServerSubscription{C: ch, s: s, id: id}, nil
}

// RequestImmediateCheck nudges the monitor loop to run a heartbeat right
// away instead of waiting out the interval. Non-blocking: a check already
// pending supersedes a second request.
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// ProcessError implements the SDAM error-handling path spec §9 calls out:
// a command or write-concern error naming NotMaster/NodeIsRecovering marks
// the server Unknown and requests an immediate re-check, clearing the pool
// synchronously if the node is shutting down or speaks an old wire version.
func (s *Server) ProcessError(err error, conn driver.Connection) {
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	if err == nil || conn.Stale() {
		return
	}
	desc := s.Description()

	var de driver.Error
	if errors.As(err, &de) {
		if de.NodeIsRecovering() || de.NotMaster() {
			if description.CompareTopologyVersion(desc.TopologyVersion, de.TopologyVersion) >= 0 {
				return
			}
			s.updateDescription(description.NewServerFromError(s.addr, err, de.TopologyVersion))
			s.RequestImmediateCheck()
			if de.NodeIsShuttingDown() || desc.MaxWireVersion < 8 {
				s.pool.clear()
			}
			return
		}
	}
	var wce driver.WriteConcernError
	if errors.As(err, &wce) {
		if wce.NodeIsRecovering() || wce.NotMaster() {
			if description.CompareTopologyVersion(desc.TopologyVersion, wce.TopologyVersion) >= 0 {
				return
			}
			s.updateDescription(description.NewServerFromError(s.addr, err, wce.TopologyVersion))
			s.RequestImmediateCheck()
			if wce.NodeIsShuttingDown() || desc.MaxWireVersion < 8 {
				s.pool.clear()
			}
			return
		}
	}

	if de.NetworkError() {
		s.updateDescription(description.NewServerFromError(s.addr, err, nil))
		s.pool.clear()
	}
}

func (s *Server) updateDescription(desc description.Server) {
	defer func() { recover() }()

	if cb, ok := s.updateTopologyCallback.Load().(updateTopologyCallback); ok && cb != nil {
		desc = cb(desc)
	}
	s.desc.Store(desc)

	s.subLock.Lock()
	defer s.subLock.Unlock()
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- desc
	}
}

// update is the monitor's heartbeat loop: one Hello per heartbeatInterval,
// or sooner if RequestImmediateCheck fires (rate-limited to
// minHeartbeatInterval so a burst of immediate-check requests can't starve
// the server).
func (s *Server) update() {
	defer s.closewg.Done()
	defer func() { recover() }()

	heartbeatTicker := time.NewTicker(s.cfg.heartbeatInterval)
	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()

	closeServer := func() {
		s.subLock.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subscriptionsClosed = true
		s.subLock.Unlock()
	}

	var conn *connection
	desc, conn := s.heartbeat(conn)
	s.updateDescription(desc)

	for {
		select {
		case <-s.done:
			closeServer()
			return
		case <-heartbeatTicker.C:
		case <-s.checkNow:
		}

		select {
		case <-rateLimiter.C:
		case <-s.done:
			closeServer()
			return
		}

		desc, conn = s.heartbeat(conn)
		s.updateDescription(desc)
	}
}

const maxHeartbeatRetry = 2

// heartbeat runs (at most) two Hello attempts over a fresh, unauthenticated
// connection (reusing conn if it's still alive), returning the resulting
// ServerDescription and the connection to reuse next time.
func (s *Server) heartbeat(conn *connection) (description.Server, *connection) {
	var saved error
	var set bool
	var desc description.Server

	for i := 0; i < maxHeartbeatRetry; i++ {
		if conn != nil && conn.expired() {
			conn.Close()
			conn = nil
		}

		if conn == nil {
			opts := []ConnectionOption{
				WithConnectTimeout(s.cfg.heartbeatTimeout),
				WithReadTimeout(s.cfg.heartbeatTimeout),
				WithWriteTimeout(s.cfg.heartbeatTimeout),
				WithConnectionCompressors(s.cfg.compressionOpts),
				WithHandshaker(operation.NewHello().
					ClusterClock(s.cfg.clock).
					Compressors(s.cfg.compressionOpts).
					ServerAPI(nil)),
			}
			newConn, err := newConnection(context.Background(), s.addr, opts...)
			if err != nil {
				saved = err
				conn = nil
				s.pool.clear()
				if s.Description().Kind == description.Unknown {
					break
				}
				continue
			}
			conn = newConn
			desc = newConn.desc
		} else {
			start := time.Now()
			hello := operation.NewHello().ClusterClock(s.cfg.clock).Deployment(driver.SingleConnectionDeployment{C: conn})
			err := hello.Execute(context.Background())
			if err != nil {
				saved = err
				conn.Close()
				conn = nil
				s.pool.clear()
				if s.Description().Kind == description.Unknown {
					break
				}
				continue
			}
			delay := time.Since(start)
			desc = hello.Result(s.addr)
			desc = desc.SetAverageRTT(s.updateAverageRTT(delay))
		}

		desc.HeartbeatInterval = s.cfg.heartbeatInterval
		set = true
		break
	}

	if !set {
		return description.NewServerFromError(s.addr, saved, s.Description().TopologyVersion), nil
	}
	return desc, conn
}

// updateAverageRTT folds delay into the exponentially weighted moving
// average, alpha = 0.2 (spec §4.2's EWMARTT invariant).
func (s *Server) updateAverageRTT(delay time.Duration) time.Duration {
	if !s.averageRTTSet {
		s.averageRTT = delay
		s.averageRTTSet = true
		return s.averageRTT
	}
	const alpha = 0.2
	s.averageRTT = time.Duration(alpha*float64(delay) + (1-alpha)*float64(s.averageRTT))
	return s.averageRTT
}

// String implements fmt.Stringer.
func (s *Server) String() string {
	desc := s.Description()
	str := fmt.Sprintf("Addr: %s, Type: %s", s.addr, desc.Kind)
	if s.averageRTTSet {
		str += fmt.Sprintf(", Average RTT: %s", s.averageRTT)
	}
	if desc.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", desc.LastError)
	}
	return str
}
