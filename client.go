// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package dispatcher wires the topology, session, and dispatch packages
// into the single entry point spec §6 describes: Connect builds a
// monitored Topology from a seed list or connection string, then hands
// back a Client that exposes the six dispatch operations plus session and
// topology-status accessors.
package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/driver/auth"
	"github.com/coremongo/dispatcher/driver/connstring"
	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/driver/topology"
	"github.com/coremongo/dispatcher/event"
	"github.com/coremongo/dispatcher/readpref"
)

// ClientOptions configures Connect. Any field also expressible in a
// "mongodb://" URI is overridden by the URI's value when hostOrURI is
// non-empty (spec §6: "URI options override programmatic options").
type ClientOptions struct {
	Hosts                  []string
	AppName                string
	ReplicaSet             string
	LocalThreshold         time.Duration
	ServerSelectionTimeout time.Duration
	HeartbeatFrequency     time.Duration
	RetryWrites            bool
	RetryReads             bool
	Compressors            []string
	Credential             *auth.Credential
	AuthMechanism          string
	ReadPreference         *readpref.ReadPref
	ServerMonitor          *event.ServerMonitor
	PoolMonitor            *event.PoolMonitor
}

// Client is the handle returned by Connect: a monitored Topology, its
// session pool, and the Dispatcher built over both.
type Client struct {
	topo       *topology.Topology
	sessions   *session.Pool
	dispatcher *driver.Dispatcher

	database       string
	readPreference *readpref.ReadPref

	mu           sync.Mutex
	disconnected bool
}

// Connect builds and starts a Topology for hostOrURI (a bare host, a
// comma-separated seed list, or a "mongodb://" URI), applies opts, and
// returns a ready-to-use Client. Pass "" for hostOrURI to configure purely
// from opts.
func Connect(ctx context.Context, hostOrURI string, opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}

	hosts := opts.Hosts
	database := ""
	appName := opts.AppName
	replicaSet := opts.ReplicaSet
	localThreshold := opts.LocalThreshold
	selectionTimeout := opts.ServerSelectionTimeout
	heartbeatFrequency := opts.HeartbeatFrequency
	retryWrites := opts.RetryWrites
	retryReads := opts.RetryReads
	compressors := opts.Compressors
	cred := opts.Credential
	authMechanism := opts.AuthMechanism
	rp := opts.ReadPreference

	if hostOrURI != "" {
		uri := hostOrURI
		if !strings.Contains(uri, "://") {
			uri = "mongodb://" + uri
		}
		cs, err := connstring.Parse(uri)
		if err != nil {
			return nil, err
		}
		hosts = cs.Hosts
		database = cs.Database
		if cs.AppName != "" {
			appName = cs.AppName
		}
		if cs.ReplicaSet != "" {
			replicaSet = cs.ReplicaSet
		}
		if cs.LocalThreshold != nil {
			localThreshold = time.Duration(*cs.LocalThreshold) * time.Millisecond
		}
		if cs.ServerSelectionTimeout != nil {
			selectionTimeout = time.Duration(*cs.ServerSelectionTimeout) * time.Millisecond
		}
		if cs.HeartbeatFrequency != nil {
			heartbeatFrequency = time.Duration(*cs.HeartbeatFrequency) * time.Millisecond
		}
		if cs.RetryWrites != nil {
			retryWrites = *cs.RetryWrites
		}
		if cs.RetryReads != nil {
			retryReads = *cs.RetryReads
		}
		if len(cs.Compressors) > 0 {
			compressors = cs.Compressors
		}
		if cs.HasAuth {
			cred = &auth.Credential{Username: cs.Username, Password: cs.Password, Source: cs.AuthSource}
		}
		if cs.AuthMechanism != "" {
			authMechanism = cs.AuthMechanism
		}
		if cs.ReadPreference != "" {
			mode, err := cs.ReadPreferenceMode()
			if err != nil {
				return nil, err
			}
			var rpOpts []readpref.Option
			if len(cs.ReadPreferenceTags) > 0 {
				rpOpts = append(rpOpts, readpref.WithTagSets(cs.ReadPreferenceTags...))
			}
			if cs.MaxStalenessSeconds != nil {
				rpOpts = append(rpOpts, readpref.WithMaxStaleness(time.Duration(*cs.MaxStalenessSeconds)*time.Second))
			}
			rp, err = readpref.New(mode, rpOpts...)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(hosts) == 0 {
		return nil, errors.New("dispatcher: at least one host is required")
	}
	if rp == nil {
		rp = readpref.Primary()
	}

	var serverOpts []topology.ServerOption
	if appName != "" {
		serverOpts = append(serverOpts, topology.WithServerAppName(appName))
	}
	if len(compressors) > 0 {
		serverOpts = append(serverOpts, topology.WithCompressors(compressors))
	}
	if opts.PoolMonitor != nil {
		serverOpts = append(serverOpts, topology.WithPoolMonitor(opts.PoolMonitor))
	}
	if cred != nil {
		authenticator, err := auth.NewAuthenticator(authMechanism, cred)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, topology.WithConnectionOptions(topology.WithConnectionAuthenticator(authenticator)))
	}

	topoOpts := []topology.Option{topology.WithSeedList(hosts...)}
	if replicaSet != "" {
		topoOpts = append(topoOpts, topology.WithReplicaSetName(replicaSet))
	} else if len(hosts) == 1 {
		topoOpts = append(topoOpts, topology.WithTopologyMode(topology.SingleMode))
	}
	if localThreshold > 0 {
		topoOpts = append(topoOpts, topology.WithLocalThreshold(localThreshold))
	}
	if selectionTimeout > 0 {
		topoOpts = append(topoOpts, topology.WithServerSelectionTimeout(selectionTimeout))
	}
	if heartbeatFrequency > 0 {
		topoOpts = append(topoOpts, topology.WithHeartbeatFrequency(heartbeatFrequency))
	}
	topoOpts = append(topoOpts, topology.WithRetryWrites(retryWrites), topology.WithRetryReads(retryReads))
	if len(serverOpts) > 0 {
		topoOpts = append(topoOpts, topology.WithServerOptions(serverOpts...))
	}
	if opts.ServerMonitor != nil {
		topoOpts = append(topoOpts, topology.WithTopologyServerMonitor(opts.ServerMonitor))
	}

	topo, err := topology.New(topoOpts...)
	if err != nil {
		return nil, err
	}
	if err := topo.Connect(); err != nil {
		return nil, err
	}

	sessionPool := session.NewPool()
	dispatcher := driver.NewDispatcher(topo, topo.LocalThreshold(), topo.HeartbeatFrequency(), retryWrites, retryReads)

	return &Client{
		topo:           topo,
		sessions:       sessionPool,
		dispatcher:     dispatcher,
		database:       database,
		readPreference: rp,
	}, nil
}

// Database returns the default database parsed from the connection URI, or
// "" if none was given.
func (c *Client) Database() string { return c.database }

// ReadPreference returns the Client's default read preference, used by
// SendReadOp/SendRetryableReadOp when the caller passes a nil rp.
func (c *Client) ReadPreference() *readpref.ReadPref { return c.readPreference }

// Dispatcher exposes the underlying Dispatcher for callers that build
// driver.Operation values directly.
func (c *Client) Dispatcher() *driver.Dispatcher { return c.dispatcher }

// StartSession checks out a logical session, failing with a
// KindConfiguration error if the deployment does not advertise
// logicalSessionTimeoutMinutes (spec §4.5).
func (c *Client) StartSession(causal bool) (*session.Client, error) {
	desc := c.topo.Description()
	if desc.SessionTimeoutMinutes == nil {
		return nil, driver.Error{Kind: driver.KindConfiguration, Message: "deployment does not support logical sessions"}
	}
	c.sessions.SetTimeout(*desc.SessionTimeoutMinutes)
	return session.NewClient(c.sessions, causal)
}

// EndSession marks sess ended and returns its ServerSession to the pool
// unless it was flagged dirty.
func (c *Client) EndSession(sess *session.Client) {
	sess.EndSession()
}

// TopologyStatus returns the current TopologyDescription. If refresh is
// true, it first requests an immediate check of every monitored server and
// waits (until ctx is done) for the resulting TopologyDescription.
func (c *Client) TopologyStatus(ctx context.Context, refresh bool) (description.Topology, error) {
	if !refresh {
		return c.topo.Description(), nil
	}

	sub, err := c.topo.Subscribe()
	if err != nil {
		return description.Topology{}, err
	}
	defer c.topo.Unsubscribe(sub)

	c.topo.RequestImmediateCheck()
	select {
	case td := <-sub.Updates:
		return td, nil
	case <-ctx.Done():
		return c.topo.Description(), ctx.Err()
	}
}

// Disconnect closes every monitored server's connections and resets the
// session pool. Calling Disconnect more than once is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	c.sessions.Reset()
	return c.topo.Disconnect(ctx)
}

// Reconnect closes every existing connection and discards every cached
// session, then reconnects the topology from its original seed list (spec
// §5: after a fork, "an explicit reconnect call... closes all links and
// resets the session pool" so the child never reuses a session ID the
// parent still holds).
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		if err := c.topo.Disconnect(ctx); err != nil {
			return err
		}
	}
	c.sessions.Reset()
	if err := c.topo.Connect(); err != nil {
		return err
	}
	c.disconnected = false
	return nil
}

// SendDirectOp dispatches op against a specific, already-monitored address
// with no retry (spec §4.4's sendDirectOp).
func (c *Client) SendDirectOp(ctx context.Context, op driver.Operation, addr address.Address) error {
	return c.dispatcher.SendDirectOp(ctx, op, addr)
}

// SendWriteOp dispatches op against the current writable server with no
// retry (spec §4.4's sendWriteOp).
func (c *Client) SendWriteOp(ctx context.Context, op driver.Operation) error {
	return c.dispatcher.SendWriteOp(ctx, op)
}

// SendPrimaryOp is an alias for SendWriteOp (spec §4.4 treats them as the
// same implementation).
func (c *Client) SendPrimaryOp(ctx context.Context, op driver.Operation) error {
	return c.dispatcher.SendPrimaryOp(ctx, op)
}

// SendReadOp dispatches op against a server matching rp (or the Client's
// default read preference if rp is nil) with no retry.
func (c *Client) SendReadOp(ctx context.Context, op driver.Operation, rp *readpref.ReadPref) error {
	if rp == nil {
		rp = c.readPreference
	}
	return c.dispatcher.SendReadOp(ctx, op, rp)
}

// SendRetryableWriteOp dispatches op with the one-retry policy spec §4.4.1
// describes. force may be "force" to retry regardless of the Client's
// default retryWrites setting, or "" to defer to it.
func (c *Client) SendRetryableWriteOp(ctx context.Context, op driver.Operation, force string) error {
	return c.dispatcher.SendRetryableWriteOp(ctx, op, force)
}

// SendRetryableReadOp dispatches op with the one-retry policy spec §4.4.2
// describes.
func (c *Client) SendRetryableReadOp(ctx context.Context, op driver.Operation, rp *readpref.ReadPref) error {
	if rp == nil {
		rp = c.readPreference
	}
	return c.dispatcher.SendRetryableReadOp(ctx, op, rp)
}
