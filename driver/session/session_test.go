// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

func TestPoolGetSessionAllocatesWhenEmpty(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	ss, err := pool.GetSession()
	require.NoError(t, err)
	require.NotNil(t, ss)
	assert.NotNil(t, ss.SessionID)
	assert.Zero(t, ss.TransactionNumber)
}

func TestPoolIsLIFO(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	a, err := pool.GetSession()
	require.NoError(t, err)
	b, err := pool.GetSession()
	require.NoError(t, err)

	pool.ReturnSession(a)
	pool.ReturnSession(b)

	// b was returned last, so it must come back first.
	got, err := pool.GetSession()
	require.NoError(t, err)
	assert.Equal(t, b.SessionID, got.SessionID)
}

func TestPoolDoesNotReturnDirtySessions(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	ss, err := pool.GetSession()
	require.NoError(t, err)
	ss.MarkDirty()

	pool.ReturnSession(ss)

	got, err := pool.GetSession()
	require.NoError(t, err)
	assert.NotEqual(t, ss.SessionID, got.SessionID)
}

func TestPoolEvictsExpiredSessionsAtPop(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	pool.SetTimeout(30)

	ss, err := pool.GetSession()
	require.NoError(t, err)
	ss.LastUsed = time.Now().Add(-time.Hour)
	pool.ReturnSession(ss)

	got, err := pool.GetSession()
	require.NoError(t, err)
	assert.NotEqual(t, ss.SessionID, got.SessionID, "expired session must not be handed back out")
}

func TestPoolReset(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	ss, err := pool.GetSession()
	require.NoError(t, err)
	pool.ReturnSession(ss)

	pool.Reset()

	got, err := pool.GetSession()
	require.NoError(t, err)
	assert.NotEqual(t, ss.SessionID, got.SessionID, "Reset must drop every cached session")
}

func TestServerSessionIncrementTxnNumberIsMonotonic(t *testing.T) {
	t.Parallel()

	ss := &ServerSession{}
	var last int64
	for i := 0; i < 5; i++ {
		n := ss.IncrementTxnNumber()
		assert.Greater(t, n, last)
		last = n
	}
	assert.EqualValues(t, 5, ss.TransactionNumber)
}

func TestClusterClockAdvancesOnlyForward(t *testing.T) {
	t.Parallel()

	older := clusterTimeDoc(t, 5)
	newer := clusterTimeDoc(t, 10)

	cc := &ClusterClock{}
	cc.AdvanceClusterTime(newer)
	cc.AdvanceClusterTime(older)

	assert.EqualValues(t, newer, cc.GetClusterTime())
}

func TestClientTransactionLifecycle(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	client, err := NewClient(pool, false)
	require.NoError(t, err)

	assert.False(t, client.InTransaction())

	require.NoError(t, client.StartTransaction(nil))
	assert.Equal(t, TxnStarting, client.TxnState)
	assert.True(t, client.InTransaction())

	client.MarkHasTxnOps()
	client.AdvanceState(TxnInProgress)
	assert.True(t, client.HasTxnOps)
	assert.True(t, client.InTransaction())

	client.ClearTransactionState()
	assert.Equal(t, TxnNone, client.TxnState)
	assert.False(t, client.InTransaction())
}

func TestClientEndSessionIsIdempotent(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	client, err := NewClient(pool, false)
	require.NoError(t, err)

	client.EndSession()
	assert.True(t, client.Ended())
	require.NotPanics(t, client.EndSession)
}

func clusterTimeDoc(t *testing.T, ts int64) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt64Element(dst, "clusterTime", ts)
	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)
	return doc
}
