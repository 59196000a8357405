// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical sessions: server-side session records
// identified by a cluster-unique ID, a pool of reusable ones, causal
// consistency gossip (clusterTime/operationTime), and the per-Client
// transaction state machine (spec §5).
package session

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/readpref"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// ErrSessionEnded is returned by operations attempted against an ended
// Client.
var ErrSessionEnded = errors.New("session: session has ended")

// ClusterClock tracks the highest clusterTime this process has observed, so
// every outgoing command can gossip it forward (spec §5, "causal
// consistency via clusterTime/operationTime gossip").
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bsoncore.Document
}

// GetClusterTime returns the current highest clusterTime, or nil if none has
// been observed yet.
func (cc *ClusterClock) GetClusterTime() bsoncore.Document {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clusterTime
}

// AdvanceClusterTime updates the clock if newTime is newer than what it
// already holds. Comparison is by the embedded clusterTime.$clusterTime
// timestamp field; a malformed or absent field is treated as not newer.
func (cc *ClusterClock) AdvanceClusterTime(newTime bsoncore.Document) {
	if newTime == nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.clusterTime == nil || compareClusterTime(cc.clusterTime, newTime) < 0 {
		cc.clusterTime = newTime
	}
}

func compareClusterTime(old, new bsoncore.Document) int {
	oldTs, ok1 := old.Lookup("clusterTime").Int64OK()
	newTs, ok2 := new.Lookup("clusterTime").Int64OK()
	if !ok1 || !ok2 {
		return 0
	}
	switch {
	case oldTs < newTs:
		return -1
	case oldTs > newTs:
		return 1
	default:
		return 0
	}
}

// ServerSession is a single logical session record: a cluster-unique ID the
// server tracks idle-timeout state for, plus the monotonic transaction
// number this process has assigned it for retryable writes.
type ServerSession struct {
	SessionID         bsoncore.Document
	TransactionNumber int64
	LastUsed          time.Time
	Dirty             bool // set after a network, NotMaster or NodeIsRecovering error mid-command; never returned to the pool
}

func newSessionID() (bsoncore.Document, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendBinaryElement(dst, "id", 0x04, buf)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

func newServerSession() (*ServerSession, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	return &ServerSession{SessionID: id, LastUsed: time.Now()}, nil
}

// IncrementTxnNumber assigns and returns the next transaction number for
// retryable writes (spec §9, "transaction-number monotonicity").
func (ss *ServerSession) IncrementTxnNumber() int64 {
	ss.TransactionNumber++
	return ss.TransactionNumber
}

// MarkDirty flags the session as unsafe to reuse after a network error,
// mirroring the real driver's "dirty session" rule: the server may still
// think a retried write is in flight on that session.
func (ss *ServerSession) MarkDirty() { ss.Dirty = true }

// UpdateUseTime stamps the session as used now, resetting its idle clock.
func (ss *ServerSession) UpdateUseTime() { ss.LastUsed = time.Now() }

// expired reports whether the session would have been reaped server-side,
// using a one-minute buffer before the advertised timeout the way the real
// driver does to avoid racing the server's own cleanup.
func (ss *ServerSession) expired(timeoutMinutes int64) bool {
	if timeoutMinutes <= 0 {
		return false
	}
	buffer := time.Minute
	if timeoutMinutes <= 1 {
		buffer = 0
	}
	deadline := ss.LastUsed.Add(time.Duration(timeoutMinutes)*time.Minute - buffer)
	return time.Now().After(deadline)
}

// Pool is a LIFO cache of ServerSessions: GetSession reuses the most
// recently returned session (better cache locality server-side), evicting
// any session that would have timed out since it was last used (spec §5,
// "TTL eviction at pop time").
type Pool struct {
	mu              sync.Mutex
	sessions        []*ServerSession
	timeoutMinutes  int64 // 0 means "unknown", treated as never-expired
	addr            address.Address
}

// NewPool constructs an empty session pool. The pool is not tied to any
// server address.
func NewPool() *Pool {
	return &Pool{}
}

// SetTimeout updates the advertised logicalSessionTimeoutMinutes, learned
// from a hello/isMaster reply, that GetSession/ReturnSession use to decide
// whether a session has expired.
func (p *Pool) SetTimeout(minutes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutMinutes = minutes
}

// GetSession returns a reusable ServerSession, preferring the
// most-recently-returned one still inside its idle window, or allocates a
// fresh one if the pool is empty or everything in it has expired.
func (p *Pool) GetSession() (*ServerSession, error) {
	p.mu.Lock()
	for len(p.sessions) > 0 {
		ss := p.sessions[len(p.sessions)-1]
		p.sessions = p.sessions[:len(p.sessions)-1]
		if ss.expired(p.timeoutMinutes) {
			continue
		}
		p.mu.Unlock()
		ss.UpdateUseTime()
		return ss, nil
	}
	p.mu.Unlock()
	return newServerSession()
}

// ReturnSession returns ss to the pool unless it is dirty or has already
// expired, in which case it is discarded.
func (p *Pool) ReturnSession(ss *ServerSession) {
	if ss == nil || ss.Dirty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ss.expired(p.timeoutMinutes) {
		return
	}
	p.sessions = append(p.sessions, ss)
}

// Reset discards every cached session, used after a fork or an explicit
// reconnect so a child process (or a fresh connection to the deployment)
// never reuses a session ID its parent still holds.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = nil
}

// TxnState is the transaction state machine a Client walks through across
// StartTransaction/commit/abort (spec §5).
type TxnState int

// The transaction states.
const (
	TxnNone TxnState = iota
	TxnStarting
	TxnInProgress
	TxnCommitted
	TxnAborted
)

// Client is the logical session an application obtains from the root
// package's Client.StartSession: it owns a ServerSession, the causally-consistent clusterTime/operationTime
// this process has observed through it, and any in-progress transaction
// state.
type Client struct {
	mu sync.Mutex

	*ServerSession
	ClusterTime   bsoncore.Document
	OperationTime *OpTime

	pool *Pool

	TxnState      TxnState
	RetryingTxn   bool
	PinnedAddress address.Address

	// HasTxnOps is set once the first statement of a started transaction
	// has actually been sent, distinguishing "started but empty" (abort is
	// a no-op) from "has statements" (abort must notify the server).
	HasTxnOps bool
	// TxnReadPref is the read preference the transaction was started
	// with; every statement within it reuses this read preference rather
	// than whatever the individual operation was given (spec §4.4, S6).
	TxnReadPref *readpref.ReadPref

	Causal bool
	ended  bool
}

// OpTime is a BSON Timestamp (seconds since epoch plus an ordinal), used to
// track the latest operationTime a session has observed.
type OpTime struct {
	T uint32
	I uint32
}

// Before reports whether ot happened strictly before other.
func (ot OpTime) Before(other OpTime) bool {
	if ot.T != other.T {
		return ot.T < other.T
	}
	return ot.I < other.I
}

// NewClient checks out a ServerSession from pool and wraps it as a causally
// consistent (or not) logical session.
func NewClient(pool *Pool, causal bool) (*Client, error) {
	ss, err := pool.GetSession()
	if err != nil {
		return nil, err
	}
	return &Client{ServerSession: ss, pool: pool, Causal: causal}, nil
}

// AdvanceClusterTime folds a newly observed clusterTime into the session,
// keeping only the maximum seen so far.
func (c *Client) AdvanceClusterTime(ct bsoncore.Document) {
	if ct == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ClusterTime == nil || compareClusterTime(c.ClusterTime, ct) < 0 {
		c.ClusterTime = ct
	}
}

// AdvanceOperationTime folds a newly observed operationTime into the
// session, keeping only the maximum seen so far; subsequent causally
// consistent reads gossip this value forward as afterClusterTime-equivalent
// readConcern.
func (c *Client) AdvanceOperationTime(ot *OpTime) {
	if ot == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OperationTime == nil || c.OperationTime.Before(*ot) {
		c.OperationTime = ot
	}
}

// StartTransaction transitions the session into TxnStarting and assigns the
// next transaction number, which every statement in the transaction will
// reuse. rp is the read preference the whole transaction runs under;
// per-statement read preferences are ignored once a transaction is active.
func (c *Client) StartTransaction(rp *readpref.ReadPref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TxnState == TxnInProgress || c.TxnState == TxnStarting {
		return errors.New("session: transaction already in progress")
	}
	c.TxnState = TxnStarting
	c.HasTxnOps = false
	c.TxnReadPref = rp
	c.IncrementTxnNumber()
	return nil
}

// InTransaction reports whether the session currently has a transaction
// started or in progress.
func (c *Client) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TxnState == TxnStarting || c.TxnState == TxnInProgress
}

// MarkHasTxnOps records that at least one statement of the current
// transaction has been sent.
func (c *Client) MarkHasTxnOps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HasTxnOps = true
}

// AdvanceState transitions into the next transaction state, called once the
// first statement of a started transaction has actually been sent.
func (c *Client) AdvanceState(state TxnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TxnState = state
}

// ResetTxnState resets the transaction state machine to TxnNone without
// touching PinnedAddress, used when a dispatcher operation that is not part
// of an active transaction observes (and should not disturb) any existing
// mongos pin.
func (c *Client) ResetTxnState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TxnState = TxnNone
}

// ClearTransactionState resets transaction bookkeeping after a commit or
// abort completes, unpinning any mongos the transaction was pinned to.
func (c *Client) ClearTransactionState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TxnState = TxnNone
	c.HasTxnOps = false
	c.TxnReadPref = nil
	c.PinnedAddress = ""
}

// EndSession returns the underlying ServerSession to its pool. The Client
// must not be used afterward.
func (c *Client) EndSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.pool.ReturnSession(c.ServerSession)
}

// Ended reports whether EndSession has already been called.
func (c *Client) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}
