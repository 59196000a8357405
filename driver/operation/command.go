// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"strconv"

	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/internal/logger"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// Command is a generic CRUD command operation: it owns the shape of one of
// "insert"/"update"/"delete"/"find"/"aggregate"/"count" and lets the
// dispatcher handle retry, session plumbing, and server selection by
// delegating straight to driver.Operation (spec §2's Operation module).
// It is deliberately not one type per command the way the teacher's
// core/command package is (Insert, Update, FindOneAndReplace, ...): this
// core only needs the command's wire shape, not the typed Go result
// decoding the full CRUD surface builds on top.
type Command struct {
	// Name is the command's own verb, e.g. "insert", "find".
	Name string
	// Collection is the target collection name.
	Collection string
	// Database is the command's target database, sent as $db. It plays no
	// part in server selection.
	Database string

	// Append, if set, appends any command-specific elements (e.g.
	// "documents", "filter", "ordered") into the open document.
	Append func(dst []byte) ([]byte, error)

	Deployment driver.Deployment
	Selector   description.ServerSelector
	Session    *session.Client
	Clock      *session.ClusterClock
	ServerAPI  *driver.ServerAPIOptions
	Logger     *logger.Logger

	result bsoncore.Document
}

// Result returns the raw reply of the most recent Execute call.
func (c *Command) Result() bsoncore.Document { return c.result }

func (c *Command) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, c.Name, c.Collection)
	if c.Append != nil {
		var err error
		dst, err = c.Append(dst)
		if err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// Execute runs the command through driver.Operation. Retry, if any, is
// layered on by driver/dispatch, not here.
func (c *Command) Execute(ctx context.Context) error {
	op := driver.Operation{
		CommandFn:  c.command,
		Database:   c.Database,
		Deployment: c.Deployment,
		Selector:   c.Selector,
		Client:     c.Session,
		Clock:      c.Clock,
		ServerAPI:  c.ServerAPI,
		Logger:     c.Logger,
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			c.result = info.ServerResponse
			return nil
		},
	}
	return op.Execute(ctx)
}

// NewInsert builds a Command for "insert": {insert: collection, documents: [...], ordered}.
func NewInsert(collection string, ordered bool, docs ...bsoncore.Document) *Command {
	return &Command{
		Name:       "insert",
		Collection: collection,
		Append: func(dst []byte) ([]byte, error) {
			idx, d2 := bsoncore.AppendArrayElementStart(dst, "documents")
			for i, doc := range docs {
				d2 = bsoncore.AppendDocumentElement(d2, strconv.Itoa(i), doc)
			}
			d2, err := bsoncore.AppendArrayEnd(d2, idx)
			if err != nil {
				return dst, err
			}
			d2 = bsoncore.AppendBooleanElement(d2, "ordered", ordered)
			return d2, nil
		},
	}
}

// NewDelete builds a Command for "delete": {delete: collection, deletes: [{q: filter, limit}]}.
func NewDelete(collection string, filter bsoncore.Document, limit int32) *Command {
	return &Command{
		Name:       "delete",
		Collection: collection,
		Append: func(dst []byte) ([]byte, error) {
			idx, d2 := bsoncore.AppendArrayElementStart(dst, "deletes")
			specIdx, d3 := bsoncore.AppendDocumentElementStart(d2, "0")
			d3 = bsoncore.AppendDocumentElement(d3, "q", filter)
			d3 = bsoncore.AppendInt32Element(d3, "limit", limit)
			d2, err := bsoncore.AppendDocumentEnd(d3, specIdx)
			if err != nil {
				return dst, err
			}
			return bsoncore.AppendArrayEnd(d2, idx)
		},
	}
}

// NewUpdate builds a Command for "update": {update: collection, updates: [{q: filter, u: update, multi, upsert}]}.
func NewUpdate(collection string, filter, update bsoncore.Document, multi, upsert bool) *Command {
	return &Command{
		Name:       "update",
		Collection: collection,
		Append: func(dst []byte) ([]byte, error) {
			idx, d2 := bsoncore.AppendArrayElementStart(dst, "updates")
			specIdx, d3 := bsoncore.AppendDocumentElementStart(d2, "0")
			d3 = bsoncore.AppendDocumentElement(d3, "q", filter)
			d3 = bsoncore.AppendDocumentElement(d3, "u", update)
			d3 = bsoncore.AppendBooleanElement(d3, "multi", multi)
			d3 = bsoncore.AppendBooleanElement(d3, "upsert", upsert)
			d2, err := bsoncore.AppendDocumentEnd(d3, specIdx)
			if err != nil {
				return dst, err
			}
			return bsoncore.AppendArrayEnd(d2, idx)
		},
	}
}

// NewFind builds a Command for "find": {find: collection, filter}.
func NewFind(collection string, filter bsoncore.Document) *Command {
	return &Command{
		Name:       "find",
		Collection: collection,
		Append: func(dst []byte) ([]byte, error) {
			if filter == nil {
				return dst, nil
			}
			return bsoncore.AppendDocumentElement(dst, "filter", filter), nil
		},
	}
}

// NewCount builds a Command for "count": {count: collection, query: filter}.
func NewCount(collection string, filter bsoncore.Document) *Command {
	return &Command{
		Name:       "count",
		Collection: collection,
		Append: func(dst []byte) ([]byte, error) {
			if filter == nil {
				return dst, nil
			}
			return bsoncore.AppendDocumentElement(dst, "query", filter), nil
		},
	}
}
