// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"time"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/readpref"
)

// Dispatcher applies the dispatch policy spec §4.4 describes: it turns a
// bare Operation into one of the entry points (direct/write/read, retryable
// write/read), performing session-state pre-adjustment and SDAM error
// cleanup uniformly so the command-specific code under driver/operation
// never has to know about sessions, retries, or topology feedback.
//
// Grounded on the teacher's core/dispatch package (Insert/Update/
// CountDocuments), which thread the same selector → execute → maybe-retry
// shape around a single command round trip.
type Dispatcher struct {
	Deployment Deployment

	// LocalThreshold and HeartbeatFrequency parameterize the selector chains
	// dispatch builds; both are pulled from the Topology's own config at
	// construction time (driver/topology.Topology.LocalThreshold/
	// HeartbeatFrequency).
	LocalThreshold     time.Duration
	HeartbeatFrequency time.Duration

	// RetryWrites/RetryReads mirror config.retryWrites/config.retryReads
	// (spec §4.4.1/§4.4.2's "OR config.retryWrites is true" condition).
	RetryWrites bool
	RetryReads  bool
}

// NewDispatcher builds a Dispatcher against a Topology-shaped Deployment,
// taking its latency/heartbeat/retry tunables as explicit arguments.
func NewDispatcher(dep Deployment, localThreshold, heartbeatFrequency time.Duration, retryWrites, retryReads bool) *Dispatcher {
	return &Dispatcher{
		Deployment:         dep,
		LocalThreshold:     localThreshold,
		HeartbeatFrequency: heartbeatFrequency,
		RetryWrites:        retryWrites,
		RetryReads:         retryReads,
	}
}

// maybeUpdateSessionState implements spec §4.4.3: every dispatch entry
// point calls this before doing anything else.
func (d *Dispatcher) maybeUpdateSessionState(op *Operation) {
	if op.Client == nil {
		return
	}
	if op.Client.InTransaction() {
		op.Client.MarkHasTxnOps()
		return
	}
	op.Client.ResetTxnState()
}

// wireErrorProcessor hooks Operation.Execute's per-attempt error callback
// through to the selected Server's SDAM error handling (driver.ErrorProcessor,
// which driver/topology.Server implements), so every dispatch path gets the
// "NetworkError/NotMasterError always invalidates the target's
// ServerDescription" behavior spec §7 requires without repeating it at each
// call site.
func wireErrorProcessor(op *Operation) {
	op.ErrorProcessor = func(err error, server Server, conn Connection) {
		if ep, ok := server.(ErrorProcessor); ok {
			ep.ProcessError(err, conn)
		}
	}
}

// markSessionDirty implements spec §7's "an error raised inside a session
// also marks the session dirty": a network failure or not-master/
// node-is-recovering reply means the server may still have the operation in
// flight, so the session record must not be handed back to the pool.
func markSessionDirty(op *Operation, err error) {
	if err == nil || op.Client == nil {
		return
	}
	var de Error
	if errors.As(err, &de) && (de.NetworkError() || de.NotMaster() || de.NodeIsRecovering()) {
		op.Client.MarkDirty()
	}
}

// addressSelector pins selection to one already-monitored address,
// implementing spec §4.3's getSpecificLink.
type addressSelector struct{ addr address.Address }

// SelectServer implements description.ServerSelector.
func (s addressSelector) SelectServer(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
	for _, c := range candidates {
		if c.Addr == s.addr {
			return []description.Server{c}, nil
		}
	}
	return nil, errors.New("driver: server " + string(s.addr) + " is no longer part of the topology")
}

func (d *Dispatcher) writeSelector() description.ServerSelector {
	return description.CompositeWriteSelector(d.LocalThreshold)
}

func (d *Dispatcher) readSelector(rp *readpref.ReadPref) description.ServerSelector {
	return description.CompositeReadSelector(rp, d.HeartbeatFrequency, d.LocalThreshold, nil)
}

// SendDirectOp executes op against a specific, already-known address (spec
// §4.4's sendDirectOp): pick getSpecificLink(address), execute, clean up on
// NetworkError/NotMasterError, always rethrow. No retries.
func (d *Dispatcher) SendDirectOp(ctx context.Context, op Operation, addr address.Address) error {
	d.maybeUpdateSessionState(&op)
	wireErrorProcessor(&op)
	op.Deployment = d.Deployment
	op.Selector = addressSelector{addr: addr}

	err := op.Execute(ctx)
	markSessionDirty(&op, err)
	return err
}

// SendWriteOp picks getWritableLink(), executes once, and cleans up on
// failure exactly like SendDirectOp (spec §4.4: "same implementation" as
// SendPrimaryOp). No retries.
func (d *Dispatcher) SendWriteOp(ctx context.Context, op Operation) error {
	d.maybeUpdateSessionState(&op)
	wireErrorProcessor(&op)
	op.Deployment = d.Deployment
	op.Selector = d.writeSelector()

	err := op.Execute(ctx)
	markSessionDirty(&op, err)
	return err
}

// SendPrimaryOp is identical to SendWriteOp (spec §4.4 names both as "the
// same implementation").
func (d *Dispatcher) SendPrimaryOp(ctx context.Context, op Operation) error {
	return d.SendWriteOp(ctx, op)
}

// SendReadOp picks a readable link per rp, unless op.Client is mid-
// transaction, in which case the transaction's own read preference
// overrides the caller's argument (spec §4.4, S6). No retries.
func (d *Dispatcher) SendReadOp(ctx context.Context, op Operation, rp *readpref.ReadPref) error {
	d.maybeUpdateSessionState(&op)
	wireErrorProcessor(&op)
	op.Deployment = d.Deployment

	if op.Client != nil && op.Client.InTransaction() && op.Client.TxnReadPref != nil {
		rp = op.Client.TxnReadPref
	}
	op.Selector = d.readSelector(rp)

	err := op.Execute(ctx)
	markSessionDirty(&op, err)
	return err
}

// notMasterFamily reports whether err is in the "not master"/"node is
// recovering" family spec §4.4.1 step 6 singles out, as distinct from the
// broader Retryable() predicate.
func notMasterFamily(err error) bool {
	var de Error
	if errors.As(err, &de) {
		return de.NotMaster() || de.NodeIsRecovering()
	}
	return false
}

func networkError(err error) bool {
	var de Error
	return errors.As(err, &de) && de.NetworkError()
}

// SendRetryableWriteOp implements spec §4.4.1. Retry is attempted only if
// force=="force" or d.RetryWrites, the chosen link supports retryable
// writes, and op.Client exists outside an active transaction; otherwise the
// operation executes exactly once and errors propagate unchanged.
func (d *Dispatcher) SendRetryableWriteOp(ctx context.Context, op Operation, force string) error {
	d.maybeUpdateSessionState(&op)
	wireErrorProcessor(&op)
	op.Deployment = d.Deployment
	selector := d.writeSelector()

	server, err := d.Deployment.SelectServer(ctx, selector)
	if err != nil {
		return Error{Kind: KindServerSelectionTimeout, Message: err.Error(), Wrapped: err}
	}

	retryEligible := (force == "force" || d.RetryWrites) &&
		server.Description().SupportsRetryWrites() &&
		op.Client != nil &&
		op.Client.TxnState != session.TxnStarting &&
		op.Client.TxnState != session.TxnInProgress

	if !retryEligible {
		op.Selector = addressSelector{addr: server.Description().Addr}
		err := op.Execute(ctx)
		markSessionDirty(&op, err)
		return err
	}

	// Step 1-2: bump the transaction number and mark this attempt retryable
	// so buildCommand attaches txnNumber (spec §4.4.1).
	op.Client.IncrementTxnNumber()
	op.RetryableWrite = true

	// Step 3: attempt on the already-selected link.
	op.Selector = addressSelector{addr: server.Description().Addr}
	firstErr := op.Execute(ctx)
	if firstErr == nil {
		return nil
	}

	// Step 4: only a self-reported retryable error earns a second attempt.
	if !IsRetryable(firstErr) {
		markSessionDirty(&op, firstErr)
		return firstErr
	}

	// Step 5: ask the topology for a fresh writable link; this may reselect
	// after the first attempt's error cleanup marked the old primary
	// Unknown.
	server2, err2 := d.Deployment.SelectServer(ctx, selector)
	if err2 != nil || !server2.Description().SupportsRetryWrites() {
		markSessionDirty(&op, firstErr)
		return firstErr
	}

	// Step 6: exactly one more attempt.
	op.Selector = addressSelector{addr: server2.Description().Addr}
	secondErr := op.Execute(ctx)
	if secondErr != nil {
		if networkError(secondErr) || notMasterFamily(secondErr) {
			markSessionDirty(&op, secondErr)
			return secondErr
		}
		markSessionDirty(&op, firstErr)
		return firstErr
	}
	return nil
}

// SendRetryableReadOp implements spec §4.4.2: the first attempt executes on
// the initially selected link; if RetryReads is enabled and the error is
// classified as retryable, one fresh link is selected and the operation is
// re-executed exactly once. No transaction-number bookkeeping.
func (d *Dispatcher) SendRetryableReadOp(ctx context.Context, op Operation, rp *readpref.ReadPref) error {
	d.maybeUpdateSessionState(&op)
	wireErrorProcessor(&op)
	op.Deployment = d.Deployment

	if op.Client != nil && op.Client.InTransaction() && op.Client.TxnReadPref != nil {
		rp = op.Client.TxnReadPref
	}
	selector := d.readSelector(rp)

	server, err := d.Deployment.SelectServer(ctx, selector)
	if err != nil {
		return Error{Kind: KindServerSelectionTimeout, Message: err.Error(), Wrapped: err}
	}

	op.Selector = addressSelector{addr: server.Description().Addr}
	firstErr := op.Execute(ctx)
	if firstErr == nil {
		return nil
	}

	if !d.RetryReads || !IsRetryable(firstErr) {
		markSessionDirty(&op, firstErr)
		return firstErr
	}

	server2, err2 := d.Deployment.SelectServer(ctx, selector)
	if err2 != nil {
		markSessionDirty(&op, firstErr)
		return firstErr
	}

	op.Selector = addressSelector{addr: server2.Description().Addr}
	secondErr := op.Execute(ctx)
	markSessionDirty(&op, secondErr)
	return secondErr
}
