// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver holds the dispatch-facing contract surface: the Operation
// value, the Deployment/Server/Connection interfaces a Topology satisfies,
// and the sum-typed Error the rest of the module branches on (spec §7, §9).
package driver

import (
	"errors"
	"fmt"

	"github.com/coremongo/dispatcher/description"
)

// Kind classifies a driver Error without resorting to an exception class
// hierarchy; isRetryable and the dispatcher's cleanup decisions are pure
// functions of Kind plus Code.
type Kind int

// The error kinds named in spec §7.
const (
	KindUnknown Kind = iota
	KindUsage
	KindConfiguration
	KindConnection
	KindNotMaster
	KindDatabase
	KindWriteConcern
	KindDocument
	KindDecoding
	KindServerSelectionTimeout
	KindExecutionTimeout
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "UsageError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindConnection:
		return "ConnectionError"
	case KindNotMaster:
		return "NotMasterError"
	case KindDatabase:
		return "DatabaseError"
	case KindWriteConcern:
		return "WriteConcernError"
	case KindDocument:
		return "DocumentError"
	case KindDecoding:
		return "DecodingError"
	case KindServerSelectionTimeout:
		return "ServerSelectionTimeoutError"
	case KindExecutionTimeout:
		return "ExecutionTimeout"
	default:
		return "UnknownError"
	}
}

// notMasterCodes and nodeIsRecoveringCodes are the server error codes spec
// §7 lists for the "not master" / "node is recovering" family, grounded on
// the teacher's isMasterOrRecoveringCodes table
// (x/mongo/driverlegacy/topology/server.go).
var (
	notMasterCodes        = map[int32]bool{10107: true, 13435: true}
	nodeIsRecoveringCodes = map[int32]bool{11600: true, 11602: true, 13436: true, 189: true, 91: true}
	nodeIsShuttingDownCodes = map[int32]bool{11600: true, 91: true}
	retryableCodes        = map[int32]bool{
		11600: true, 11602: true, 10107: true, 13435: true, 13436: true, 189: true, 91: true,
		6: true, 7: true, 89: true, 9001: true, 262: true,
	}
)

// Error is the sum-typed error every package boundary propagates across, in
// place of an exception-class hierarchy (spec §9).
type Error struct {
	Kind            Kind
	Code            int32
	Message         string
	Labels          []string
	Wrapped         error
	TopologyVersion *description.TopologyVersion
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e Error) Unwrap() error { return e.Wrapped }

// NotMaster reports whether the server code is one of the "not master"
// codes (spec §7: 10107, 13435).
func (e Error) NotMaster() bool { return notMasterCodes[e.Code] }

// NodeIsRecovering reports whether the server code is one of the "node is
// recovering" codes (spec §7: 11600, 11602, 13436, 189, 91).
func (e Error) NodeIsRecovering() bool { return nodeIsRecoveringCodes[e.Code] }

// NodeIsShuttingDown reports whether the server code indicates the node is
// actively shutting down, which forces a synchronous pool clear rather than
// a background one.
func (e Error) NodeIsShuttingDown() bool { return nodeIsShuttingDownCodes[e.Code] }

// NetworkError reports whether this error represents a connection-level
// failure rather than a server-reported command error.
func (e Error) NetworkError() bool { return e.Kind == KindConnection }

// Retryable implements the isRetryable(e) predicate spec §9 calls for: a
// pure function of Kind/Code, not of a catch-class hierarchy. Network
// errors, the not-master/node-recovering family, and a short table of
// well-known transient codes are retryable; everything else propagates.
func (e Error) Retryable() bool {
	if e.Kind == KindConnection {
		return true
	}
	if e.NotMaster() || e.NodeIsRecovering() {
		return true
	}
	return retryableCodes[e.Code]
}

// HasErrorLabel reports whether label is present in e.Labels, mirroring the
// real driver's error-label mechanism used to classify
// TransientTransactionError / RetryableWriteError without a type switch.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Well-known error labels.
const (
	TransientTransactionError = "TransientTransactionError"
	RetryableWriteError       = "RetryableWriteError"
	UnknownTransactionCommitResult = "UnknownTransactionCommitResult"
)

// WriteConcernError represents an applied-but-unacknowledged-by-w write, as
// distinct from a command failure: the operation is reported as having
// taken effect but write concern was not satisfied (spec §7).
type WriteConcernError struct {
	Code            int32
	Name            string
	Message         string
	TopologyVersion *description.TopologyVersion
}

// Error implements the error interface.
func (wce WriteConcernError) Error() string {
	return fmt.Sprintf("WriteConcernError: %s (%d): %s", wce.Name, wce.Code, wce.Message)
}

// NotMaster reports whether this write concern error is a "not master" code.
func (wce WriteConcernError) NotMaster() bool { return notMasterCodes[wce.Code] }

// NodeIsRecovering reports whether this write concern error is a
// "node is recovering" code.
func (wce WriteConcernError) NodeIsRecovering() bool { return nodeIsRecoveringCodes[wce.Code] }

// NodeIsShuttingDown reports whether the node is actively shutting down.
func (wce WriteConcernError) NodeIsShuttingDown() bool { return nodeIsShuttingDownCodes[wce.Code] }

// Retryable reports whether this write concern error is eligible for the
// retryable-writes path.
func (wce WriteConcernError) Retryable() bool {
	return wce.NotMaster() || wce.NodeIsRecovering() || retryableCodes[wce.Code]
}

// ErrServerSelectionTimeout is the sentinel wrapped by a KindServerSelectionTimeout Error
// when server selection exhausts its deadline (spec §4.3.2, §7).
var ErrServerSelectionTimeout = errors.New("server selection timeout")

// ErrDeadlineWouldBeExceeded is wrapped by a KindExecutionTimeout Error.
var ErrDeadlineWouldBeExceeded = errors.New("maxTimeMS would be exceeded")

// IsRetryable is a free function form of Error.Retryable for callers that
// only have an `error`, covering both Error and WriteConcernError without a
// type switch at every call site.
func IsRetryable(err error) bool {
	var de Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	var wce WriteConcernError
	if errors.As(err, &wce) {
		return wce.Retryable()
	}
	return false
}
