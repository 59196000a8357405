// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorPredicates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name             string
		err              Error
		notMaster        bool
		nodeIsRecovering bool
		retryable        bool
	}{
		{name: "not master code 10107", err: Error{Code: 10107}, notMaster: true, retryable: true},
		{name: "not master code 13435", err: Error{Code: 13435}, notMaster: true, retryable: true},
		{name: "node is recovering 11602", err: Error{Code: 11602}, nodeIsRecovering: true, retryable: true},
		{name: "network error is always retryable", err: Error{Kind: KindConnection, Code: 0}, retryable: true},
		{name: "well-known transient code 89", err: Error{Code: 89}, retryable: true},
		{name: "unrelated command error", err: Error{Kind: KindDatabase, Code: 2}, retryable: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.notMaster, tc.err.NotMaster())
			assert.Equal(t, tc.nodeIsRecovering, tc.err.NodeIsRecovering())
			assert.Equal(t, tc.retryable, tc.err.Retryable())
		})
	}
}

func TestErrorNetworkErrorIsKindConnection(t *testing.T) {
	t.Parallel()
	assert.True(t, Error{Kind: KindConnection}.NetworkError())
	assert.False(t, Error{Kind: KindDatabase}.NetworkError())
}

func TestErrorUnwrapAndFormatting(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset by peer")
	err := Error{Kind: KindConnection, Message: "socket error", Wrapped: cause}

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "socket error")
	assert.Contains(t, err.Error(), cause.Error())
}

func TestErrorHasErrorLabel(t *testing.T) {
	t.Parallel()

	err := Error{Labels: []string{TransientTransactionError}}
	assert.True(t, err.HasErrorLabel(TransientTransactionError))
	assert.False(t, err.HasErrorLabel(RetryableWriteError))
}

func TestWriteConcernErrorRetryable(t *testing.T) {
	t.Parallel()

	wce := WriteConcernError{Code: 91} // node is shutting down
	assert.True(t, wce.NodeIsRecovering())
	assert.True(t, wce.Retryable())

	wce2 := WriteConcernError{Code: 64} // unrelated
	assert.False(t, wce2.Retryable())
}

func TestIsRetryableAcrossErrorTypes(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(Error{Kind: KindConnection}))
	assert.True(t, IsRetryable(WriteConcernError{Code: 10107}))
	assert.False(t, IsRetryable(errors.New("plain error")))

	wrapped := fmt.Errorf("attempt failed: %w", Error{Code: 89})
	assert.True(t, IsRetryable(wrapped))
}
