// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// fakeConn is a canned-reply Connection: WriteWireMessage always succeeds,
// ReadWireMessage always returns the reply this fakeConn was built with.
type fakeConn struct {
	addr  address.Address
	desc  description.Server
	reply bsoncore.Document
}

func (c *fakeConn) WriteWireMessage(context.Context, []byte) error { return nil }
func (c *fakeConn) ReadWireMessage(context.Context) ([]byte, error) {
	return buildOpMsg(1, c.reply), nil
}
func (c *fakeConn) Description() description.Server { return c.desc }
func (c *fakeConn) Close() error                    { return nil }
func (c *fakeConn) ID() string                      { return string(c.addr) }
func (c *fakeConn) Address() string                 { return string(c.addr) }
func (c *fakeConn) Stale() bool                     { return false }

type fakeServer struct {
	desc  description.Server
	reply bsoncore.Document
}

func (s *fakeServer) Connection(context.Context) (Connection, error) {
	return &fakeConn{addr: s.desc.Addr, desc: s.desc, reply: s.reply}, nil
}
func (s *fakeServer) Description() description.Server { return s.desc }

// fakeDeployment serves two kinds of SelectServer call the way a real
// Topology does: a "logical" selection through the dispatcher's own write/
// read selector (scripted in order via picks), and a pinned reselection
// through an addressSelector (looked up by address) that Operation.Execute
// performs for whichever address the dispatcher already chose. Only the
// logical selections count as a "reselect" from the dispatcher's point of
// view, so topSelects is what retry-count assertions check.
type fakeDeployment struct {
	byAddr     map[address.Address]*fakeServer
	picks      []address.Address
	pickIdx    int
	topSelects int
}

func newFakeDeployment(servers ...*fakeServer) *fakeDeployment {
	d := &fakeDeployment{byAddr: map[address.Address]*fakeServer{}}
	for _, s := range servers {
		d.byAddr[s.desc.Addr] = s
		d.picks = append(d.picks, s.desc.Addr)
	}
	return d
}

func (d *fakeDeployment) SelectServer(_ context.Context, selector description.ServerSelector) (Server, error) {
	if as, ok := selector.(addressSelector); ok {
		srv, found := d.byAddr[as.addr]
		if !found {
			return nil, errors.New("fakeDeployment: address no longer present")
		}
		return srv, nil
	}

	d.topSelects++
	idx := d.pickIdx
	if idx >= len(d.picks) {
		idx = len(d.picks) - 1
	} else if idx < len(d.picks)-1 {
		d.pickIdx++
	}
	return d.byAddr[d.picks[idx]], nil
}

func (d *fakeDeployment) Kind() description.TopologyKind { return description.ReplicaSetWithPrimary }

func okReply() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDoubleElement(dst, "ok", 1)
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return doc
}

func errReply(code int32, msg string) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDoubleElement(dst, "ok", 0)
	dst = bsoncore.AppendInt32Element(dst, "code", code)
	dst = bsoncore.AppendStringElement(dst, "errmsg", msg)
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return doc
}

func pingOp() Operation {
	return Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			return bsoncore.AppendInt32Element(dst, "ping", 1), nil
		},
	}
}

func retryableServerDesc(addr address.Address) description.Server {
	minutes := int64(30)
	return description.Server{
		Addr:                  addr,
		Kind:                  description.RSPrimary,
		MaxWireVersion:        17,
		SessionTimeoutMinutes: &minutes,
	}
}

func TestSendWriteOpDoesNotRetry(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(89, "network timeout")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, true, true)

	err := d.SendWriteOp(context.Background(), pingOp())
	require.Error(t, err)
	assert.Equal(t, 1, dep.topSelects, "SendWriteOp must attempt exactly once, even though RetryWrites is enabled")
}

func TestSendRetryableWriteOpRetriesOnceOnRetryableError(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(89, "network timeout")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, true, false)

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)

	op := pingOp()
	op.Client = sess

	err = d.SendRetryableWriteOp(context.Background(), op, "")
	require.NoError(t, err)
	assert.Equal(t, 2, dep.topSelects, "a retryable failure must trigger exactly one reselect")
	assert.EqualValues(t, 1, sess.TransactionNumber, "the retry must reuse the same transaction number")
}

func TestSendRetryableWriteOpNotEligibleWithoutSession(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(89, "network timeout")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, true, false)

	err := d.SendRetryableWriteOp(context.Background(), pingOp(), "")
	require.Error(t, err)
	assert.Equal(t, 1, dep.topSelects, "without a session there is no transaction number to retry with")
}

func TestSendRetryableWriteOpNotEligibleWhenServerDoesNotSupportIt(t *testing.T) {
	t.Parallel()

	standalone := description.Server{Addr: "a:27017", Kind: description.Standalone, MaxWireVersion: 17}
	dep := newFakeDeployment(
		&fakeServer{desc: standalone, reply: errReply(89, "network timeout")},
	)
	d := NewDispatcher(dep, 0, 0, true, false)

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)
	op := pingOp()
	op.Client = sess

	err = d.SendRetryableWriteOp(context.Background(), op, "")
	require.Error(t, err)
	assert.Equal(t, 1, dep.topSelects)
	assert.Zero(t, sess.TransactionNumber, "a non-retryable-writes server must never bump the transaction number")
}

func TestSendRetryableWriteOpNonRetryableErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(2, "bad value")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, true, false)

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)
	op := pingOp()
	op.Client = sess

	err = d.SendRetryableWriteOp(context.Background(), op, "")
	require.Error(t, err)
	assert.Equal(t, 1, dep.topSelects, "a non-retryable error must not trigger a reselect")
}

func TestSendRetryableWriteOpSecondFailurePropagatesOriginalErrorUnlessNetworkOrNotMaster(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(89, "first failure")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: errReply(2, "second failure, unrelated")},
	)
	d := NewDispatcher(dep, 0, 0, true, false)

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)
	op := pingOp()
	op.Client = sess

	err = d.SendRetryableWriteOp(context.Background(), op, "")
	require.Error(t, err)
	var de Error
	require.ErrorAs(t, err, &de)
	assert.EqualValues(t, 89, de.Code, "when the second attempt's error is not network/not-master, the first error propagates")
}

func TestSendRetryableWriteOpForceOverridesDisabledPolicy(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(89, "network timeout")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, false, false)

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)
	op := pingOp()
	op.Client = sess

	err = d.SendRetryableWriteOp(context.Background(), op, "force")
	require.NoError(t, err)
	assert.Equal(t, 2, dep.topSelects)
}

func TestSendRetryableReadOpRetriesOnceWithoutTransactionNumber(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(89, "network timeout")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, false, true)

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)
	op := pingOp()
	op.Client = sess

	err = d.SendRetryableReadOp(context.Background(), op, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dep.topSelects)
	assert.Zero(t, sess.TransactionNumber, "retryable reads never touch the transaction number")
}

func TestSendRetryableReadOpDoesNotRetryWhenPolicyDisabled(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: errReply(89, "network timeout")},
		&fakeServer{desc: retryableServerDesc("b:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, false, false)

	err := d.SendRetryableReadOp(context.Background(), pingOp(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, dep.topSelects)
}

func TestSendDirectOpTargetsSpecificAddress(t *testing.T) {
	t.Parallel()

	dep := newFakeDeployment(
		&fakeServer{desc: retryableServerDesc("a:27017"), reply: okReply()},
	)
	d := NewDispatcher(dep, 0, 0, false, false)

	err := d.SendDirectOp(context.Background(), pingOp(), "a:27017")
	require.NoError(t, err)
	assert.Equal(t, 0, dep.topSelects, "SendDirectOp pins to an address and never performs a logical selection")
}

func TestAddressSelectorPinsToOneCandidate(t *testing.T) {
	t.Parallel()

	candidates := []description.Server{
		{Addr: "a:27017"},
		{Addr: "b:27017"},
	}
	sel := addressSelector{addr: "b:27017"}

	out, err := sel.SelectServer(description.Topology{}, candidates)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, "b:27017", out[0].Addr)
}

func TestAddressSelectorErrorsWhenAddressGone(t *testing.T) {
	t.Parallel()

	sel := addressSelector{addr: "gone:27017"}
	_, err := sel.SelectServer(description.Topology{}, []description.Server{{Addr: "a:27017"}})
	assert.Error(t, err)
}

func TestMarkSessionDirtyOnNetworkError(t *testing.T) {
	t.Parallel()

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)

	op := pingOp()
	op.Client = sess
	markSessionDirty(&op, Error{Kind: KindConnection, Message: "reset"})
	assert.True(t, sess.Dirty)
}

func TestMarkSessionDirtyLeavesCleanSessionOnOrdinaryError(t *testing.T) {
	t.Parallel()

	pool := session.NewPool()
	sess, err := session.NewClient(pool, false)
	require.NoError(t, err)

	op := pingOp()
	op.Client = sess
	markSessionDirty(&op, Error{Kind: KindDatabase, Code: 2})
	assert.False(t, sess.Dirty)
}
