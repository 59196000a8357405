// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/coremongo/dispatcher/bson"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/internal/logger"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// ResponseInfo is passed to an Operation's ProcessResponseFn: everything
// about the round trip a caller might need to fold state (cluster time,
// cursor ID, recovery token) back out of a raw reply.
type ResponseInfo struct {
	ServerResponse bsoncore.Document
	Server         Server
	Connection     Connection
}

// Operation is a single command ready to be sent to a selected server over
// a single connection: CommandFn appends the command's own elements into an
// already-open document, and ProcessResponseFn (optional) inspects the
// reply. It performs exactly one attempt; retrying a failed attempt is the
// dispatcher's job (driver/dispatch), not the operation's, so command shape
// and retry policy stay in their own modules.
type Operation struct {
	// CommandFn appends the command's own elements (e.g. "insert", the
	// collection name, ...) into dst, which Execute has already opened with
	// AppendDocumentStart. It must not close the document itself.
	CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

	// ProcessResponseFn, if set, is called with the raw reply after a
	// successful round trip, before Execute returns.
	ProcessResponseFn func(ResponseInfo) error

	Database   string
	Deployment Deployment
	Selector   description.ServerSelector
	ServerAPI  *ServerAPIOptions

	// Client is the logical session this operation runs under, or nil for
	// an unsessioned operation.
	Client *session.Client
	Clock  *session.ClusterClock

	// RetryableWrite marks this attempt as a (possibly retried) retryable
	// write, so buildCommand attaches txnNumber even outside an explicit
	// multi-statement transaction (spec §4.4.1).
	RetryableWrite bool

	Logger *logger.Logger

	// RequestID, if non-zero, is used as this attempt's wire request ID;
	// 0 means "assign a fresh one". The dispatcher leaves it at 0, so every
	// attempt gets its own ID.
	RequestID int32

	// ErrorProcessor, if set, is called with every connection- or
	// server-reported error this attempt hits, before Execute returns it.
	// driver/dispatch wires this to the selected Server's ProcessError so
	// SDAM can react without Operation needing to know about monitors.
	ErrorProcessor func(err error, server Server, conn Connection)
}

var requestIDCounter int32

func nextRequestID() int32 {
	requestIDCounter++
	return requestIDCounter
}

func (op Operation) reportError(err error, server Server, conn Connection) {
	if op.ErrorProcessor != nil {
		op.ErrorProcessor(err, server, conn)
	}
}

func passthroughSelector(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
	return candidates, nil
}

// Execute selects a server (if op.Selector is nil, every candidate passes),
// checks out a connection, sends the command, and processes the reply — a
// single attempt, no retry.
func (op Operation) Execute(ctx context.Context) error {
	selector := op.Selector
	if selector == nil {
		selector = description.ServerSelectorFunc(passthroughSelector)
	}

	server, err := op.Deployment.SelectServer(ctx, selector)
	if err != nil {
		return Error{Kind: KindServerSelectionTimeout, Message: err.Error(), Wrapped: err}
	}

	conn, err := server.Connection(ctx)
	if err != nil {
		return Error{Kind: KindConnection, Message: "checking out connection", Wrapped: err}
	}
	defer conn.Close()

	desc := description.SelectedServer{Server: conn.Description(), Kind: op.Deployment.Kind()}

	cmd, err := op.buildCommand(desc)
	if err != nil {
		return Error{Kind: KindUsage, Message: "building command", Wrapped: err}
	}

	requestID := op.RequestID
	if requestID == 0 {
		requestID = nextRequestID()
	}

	if op.Logger != nil {
		op.Logger.Print(logger.LevelDebug, &logger.CommandStartedMessage{
			DatabaseName: op.Database,
			RequestID:    int64(requestID),
			Address:      conn.Address(),
			Command:      bson.Raw(cmd),
		})
	}

	if err := conn.WriteWireMessage(ctx, buildOpMsg(requestID, cmd)); err != nil {
		wrapped := Error{Kind: KindConnection, Message: "writing wire message", Wrapped: err}
		op.reportError(wrapped, server, conn)
		return wrapped
	}

	wm, err := conn.ReadWireMessage(ctx)
	if err != nil {
		wrapped := Error{Kind: KindConnection, Message: "reading wire message", Wrapped: err}
		op.reportError(wrapped, server, conn)
		return wrapped
	}

	_, payload, err := readWireMessageHeader(wm)
	if err != nil {
		return Error{Kind: KindDecoding, Message: "parsing wire message header", Wrapped: err}
	}
	reply, err := readOpMsgBody(payload)
	if err != nil {
		return Error{Kind: KindDecoding, Message: "parsing OP_MSG body", Wrapped: err}
	}

	if op.Clock != nil {
		op.Clock.AdvanceClusterTime(extractClusterTime(reply))
	}
	if op.Client != nil {
		op.Client.AdvanceClusterTime(extractClusterTime(reply))
		op.Client.AdvanceOperationTime(extractOperationTime(reply))
	}

	if respErr := extractCommandError(reply); respErr != nil {
		if op.Logger != nil {
			op.Logger.Print(logger.LevelDebug, &logger.CommandFailedMessage{
				RequestID: int64(requestID),
				Address:   conn.Address(),
				Failure:   respErr.Error(),
			})
		}
		op.reportError(*respErr, server, conn)
		return *respErr
	}

	if op.Logger != nil {
		op.Logger.Print(logger.LevelDebug, &logger.CommandSucceededMessage{
			RequestID: int64(requestID),
			Address:   conn.Address(),
			Reply:     bson.Raw(reply),
		})
	}

	if op.ProcessResponseFn != nil {
		return op.ProcessResponseFn(ResponseInfo{ServerResponse: reply, Server: server, Connection: conn})
	}
	return nil
}

// buildCommand opens the top-level document, lets CommandFn append the
// command's own elements, then appends $db, the session ID, the gossiped
// cluster time, and any server API fields before closing it — the elements
// every command carries regardless of which one it is.
func (op Operation) buildCommand(desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)

	dst, err := op.CommandFn(dst, desc)
	if err != nil {
		return nil, err
	}

	if op.Database != "" {
		dst = bsoncore.AppendStringElement(dst, "$db", op.Database)
	}
	if op.Client != nil {
		dst = bsoncore.AppendDocumentElement(dst, "lsid", op.Client.SessionID)
		if op.RetryableWrite || op.Client.TxnState == session.TxnStarting || op.Client.TxnState == session.TxnInProgress {
			dst = bsoncore.AppendInt64Element(dst, "txnNumber", op.Client.TransactionNumber)
		}
		if op.Client.TxnState == session.TxnStarting {
			dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
		}
		if op.Client.TxnState == session.TxnStarting || op.Client.TxnState == session.TxnInProgress {
			dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)
		}
	}

	var ct bsoncore.Document
	if op.Clock != nil {
		ct = op.Clock.GetClusterTime()
	}
	if op.Client != nil && op.Client.ClusterTime != nil {
		ct = op.Client.ClusterTime
	}
	if ct != nil {
		dst = bsoncore.AppendDocumentElement(dst, "$clusterTime", ct)
	}

	dst = appendServerAPIOptions(dst, op.ServerAPI)

	dst, err = bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, err
	}
	return bsoncore.Document(dst), nil
}

func extractClusterTime(reply bsoncore.Document) bsoncore.Document {
	doc, ok := reply.Lookup("$clusterTime").DocumentOK()
	if !ok {
		return nil
	}
	return doc
}

func extractOperationTime(reply bsoncore.Document) *session.OpTime {
	ts, ok := reply.Lookup("operationTime").Int64OK()
	if !ok {
		return nil
	}
	return &session.OpTime{T: uint32(ts >> 32), I: uint32(ts)}
}

func extractCommandError(reply bsoncore.Document) *Error {
	okV := reply.Lookup("ok")
	if f, ok := okV.DoubleOK(); ok && f == 1 {
		return nil
	}
	if i, ok := okV.Int32OK(); ok && i == 1 {
		return nil
	}

	code, _ := reply.Lookup("code").Int32OK()
	msg, _ := reply.Lookup("errmsg").StringValueOK()
	if msg == "" {
		msg = "command failed"
	}
	var labels []string
	if arr, ok := reply.Lookup("errorLabels").ArrayOK(); ok {
		_ = arr.Elements(func(_ string, v bsoncore.Value) bool {
			if s, ok := v.StringValueOK(); ok {
				labels = append(labels, s)
			}
			return true
		})
	}
	return &Error{Kind: KindDatabase, Code: code, Message: msg, Labels: labels}
}
