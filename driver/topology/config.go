// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the Monitor/Server/Topology trio that turns a
// seed list into a continuously updated TopologyDescription: one Monitor per
// server running an isolated heartbeat loop, a Server wrapping each
// monitored address with a pooled Connection, and a Topology coordinator
// applying the SDAM state machine and serving SelectServer (spec §4).
package topology

import (
	"time"

	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/event"
)

const defaultHeartbeatInterval = 10 * time.Second
const minHeartbeatInterval = 500 * time.Millisecond
const defaultHeartbeatTimeout = 10 * time.Second
const defaultConnectTimeout = 30 * time.Second
const defaultLocalThreshold = 15 * time.Millisecond
const defaultServerSelectionTimeout = 30 * time.Second
const defaultMaxConns = 100
const defaultMinConns = 0
const defaultMaxConnIdleTime = 0 // never

// serverConfig holds one Server's tunables, built from a list of
// ServerOption functions the way the teacher's serverConfig does.
type serverConfig struct {
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	minConns                  uint64
	maxConns                  uint64
	connectionPoolMaxIdleTime time.Duration

	appname         string
	compressionOpts []string

	serverMonitor *event.ServerMonitor
	poolMonitor   *event.PoolMonitor

	connectionOpts []ConnectionOption

	clock *session.ClusterClock
}

// WithClusterClock sets the cluster clock every server in this config's
// heartbeats gossips through.
func WithClusterClock(clock *session.ClusterClock) ServerOption {
	return func(cfg *serverConfig) { cfg.clock = clock }
}

// ServerOption configures a serverConfig.
type ServerOption func(*serverConfig)

func newServerConfig(opts ...ServerOption) *serverConfig {
	cfg := &serverConfig{
		heartbeatInterval:         defaultHeartbeatInterval,
		heartbeatTimeout:          defaultHeartbeatTimeout,
		minConns:                  defaultMinConns,
		maxConns:                  defaultMaxConns,
		connectionPoolMaxIdleTime: defaultMaxConnIdleTime,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg
}

// WithHeartbeatInterval sets the interval between heartbeats. Values below
// minHeartbeatInterval are clamped, matching the server's own rate limit on
// RequestImmediateCheck.
func WithHeartbeatInterval(interval time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		if interval < minHeartbeatInterval {
			interval = minHeartbeatInterval
		}
		cfg.heartbeatInterval = interval
	}
}

// WithHeartbeatTimeout sets the per-heartbeat connect/read/write timeout.
func WithHeartbeatTimeout(timeout time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.heartbeatTimeout = timeout }
}

// WithMinConnections sets the pool's minimum size.
func WithMinConnections(n uint64) ServerOption {
	return func(cfg *serverConfig) { cfg.minConns = n }
}

// WithMaxConnections sets the pool's maximum size, bounding it with
// golang.org/x/sync/semaphore.Weighted.
func WithMaxConnections(n uint64) ServerOption {
	return func(cfg *serverConfig) { cfg.maxConns = n }
}

// WithConnectionPoolMaxIdleTime sets how long an idle connection may sit in
// the pool before it is closed instead of handed out.
func WithConnectionPoolMaxIdleTime(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.connectionPoolMaxIdleTime = d }
}

// WithServerAppName sets the application name reported in the handshake's
// client metadata.
func WithServerAppName(appname string) ServerOption {
	return func(cfg *serverConfig) { cfg.appname = appname }
}

// WithCompressors sets the list of compressors to negotiate in the
// handshake.
func WithCompressors(compressors []string) ServerOption {
	return func(cfg *serverConfig) { cfg.compressionOpts = compressors }
}

// WithServerMonitor sets the SDAM event callback set.
func WithServerMonitor(m *event.ServerMonitor) ServerOption {
	return func(cfg *serverConfig) { cfg.serverMonitor = m }
}

// WithPoolMonitor sets the connection pool event callback set.
func WithPoolMonitor(m *event.PoolMonitor) ServerOption {
	return func(cfg *serverConfig) { cfg.poolMonitor = m }
}

// WithConnectionOptions appends ConnectionOptions applied to every
// connection this server's pool dials.
func WithConnectionOptions(opts ...ConnectionOption) ServerOption {
	return func(cfg *serverConfig) { cfg.connectionOpts = append(cfg.connectionOpts, opts...) }
}

// topologyConfig holds a Topology's tunables.
type topologyConfig struct {
	seedList               []string
	mode                   topologyMode
	replicaSetName         string
	localThreshold         time.Duration
	serverSelectionTimeout time.Duration
	heartbeatFrequency     time.Duration
	retryWrites            bool
	retryReads             bool
	serverOpts             []ServerOption
	serverMonitor          *event.ServerMonitor
}

// topologyMode distinguishes a direct single-server connection from one that
// discovers a replica set/sharded cluster topology around the seed list.
type topologyMode uint8

// The topology modes.
const (
	AutomaticMode topologyMode = iota
	SingleMode
)

// Option configures a topologyConfig.
type Option func(*topologyConfig)

func newTopologyConfig(opts ...Option) *topologyConfig {
	cfg := &topologyConfig{
		localThreshold:         defaultLocalThreshold,
		serverSelectionTimeout: defaultServerSelectionTimeout,
		heartbeatFrequency:     defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg
}

// WithSeedList sets the initial set of addresses to monitor.
func WithSeedList(addrs ...string) Option {
	return func(cfg *topologyConfig) { cfg.seedList = addrs }
}

// WithTopologyMode sets whether the topology discovers a cluster or treats
// its single seed as the only server that will ever exist.
func WithTopologyMode(mode topologyMode) Option {
	return func(cfg *topologyConfig) { cfg.mode = mode }
}

// WithReplicaSetName restricts discovery to members reporting this set
// name.
func WithReplicaSetName(name string) Option {
	return func(cfg *topologyConfig) { cfg.replicaSetName = name }
}

// WithLocalThreshold sets the latency window width server selection uses.
func WithLocalThreshold(d time.Duration) Option {
	return func(cfg *topologyConfig) { cfg.localThreshold = d }
}

// WithServerSelectionTimeout sets the deadline server selection waits for a
// suitable server before giving up.
func WithServerSelectionTimeout(d time.Duration) Option {
	return func(cfg *topologyConfig) { cfg.serverSelectionTimeout = d }
}

// WithHeartbeatFrequency sets the interval used for the max-staleness
// calculation (spec §4.3.1 step 3) and, via WithServerOptions-equivalent
// propagation, the actual per-server heartbeat interval.
func WithHeartbeatFrequency(d time.Duration) Option {
	return func(cfg *topologyConfig) {
		cfg.heartbeatFrequency = d
		cfg.serverOpts = append(cfg.serverOpts, WithHeartbeatInterval(d))
	}
}

// WithRetryWrites enables the dispatcher's retryable-write policy (spec
// §4.4.1) for operations dispatched against this topology by default.
func WithRetryWrites(enabled bool) Option {
	return func(cfg *topologyConfig) { cfg.retryWrites = enabled }
}

// WithRetryReads enables the dispatcher's retryable-read policy (spec
// §4.4.2) for operations dispatched against this topology by default.
func WithRetryReads(enabled bool) Option {
	return func(cfg *topologyConfig) { cfg.retryReads = enabled }
}

// WithServerOptions appends ServerOptions applied to every Server the
// Topology creates.
func WithServerOptions(opts ...ServerOption) Option {
	return func(cfg *topologyConfig) { cfg.serverOpts = append(cfg.serverOpts, opts...) }
}

// WithTopologyServerMonitor sets the SDAM event callback set at the
// Topology level (propagated to every Server it creates).
func WithTopologyServerMonitor(m *event.ServerMonitor) Option {
	return func(cfg *topologyConfig) {
		cfg.serverMonitor = m
		cfg.serverOpts = append(cfg.serverOpts, WithServerMonitor(m))
	}
}
