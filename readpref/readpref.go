// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref models the read preference a caller attaches to an
// Operation: a mode, an ordered list of tag sets, and an optional
// max-staleness bound (spec §3, §4.3.1).
package readpref

import (
	"errors"
	"fmt"
	"time"
)

// Mode describes which kinds of servers are eligible for a read.
type Mode uint8

// The possible read preference modes.
const (
	PrimaryMode Mode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case PrimaryMode:
		return "primary"
	case PrimaryPreferredMode:
		return "primaryPreferred"
	case SecondaryMode:
		return "secondary"
	case SecondaryPreferredMode:
		return "secondaryPreferred"
	case NearestMode:
		return "nearest"
	default:
		return "unknown"
	}
}

// TagSet is an ordered set of key/value tags a candidate server must match
// in full for the set to apply.
type TagSet map[string]string

// Matches reports whether tags satisfies every key/value pair in ts.
func (ts TagSet) Matches(tags map[string]string) bool {
	for k, v := range ts {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// ReadPref is an immutable read preference value.
type ReadPref struct {
	mode               Mode
	tagSets            []TagSet
	maxStaleness       time.Duration
	hasMaxStaleness    bool
}

// minMaxStalenessSlop is the minimum allowed max-staleness window above a
// single heartbeat interval, per spec §4.3.1 step 3: maxStalenessSeconds
// must be at least heartbeatFrequency + 10s.
const minMaxStalenessSlop = 10 * time.Second

// New constructs a ReadPref. A mode other than Primary may carry tag sets
// and a max-staleness window; per spec §4.3.1 step 7, Primary mode may
// carry neither.
func New(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		opt(rp)
	}
	if mode == PrimaryMode && (len(rp.tagSets) > 0 || rp.hasMaxStaleness) {
		return nil, errors.New("readpref: primary mode cannot be combined with tag sets or max staleness")
	}
	return rp, nil
}

// Option configures a ReadPref constructed via New.
type Option func(*ReadPref)

// WithTagSets attaches an ordered list of tag sets to try, first match wins.
func WithTagSets(sets ...TagSet) Option {
	return func(rp *ReadPref) { rp.tagSets = sets }
}

// WithMaxStaleness sets the max-staleness window.
func WithMaxStaleness(d time.Duration) Option {
	return func(rp *ReadPref) {
		rp.maxStaleness = d
		rp.hasMaxStaleness = true
	}
}

// Mode returns the read preference mode.
func (rp *ReadPref) Mode() Mode { return rp.mode }

// TagSets returns the ordered tag sets, if any.
func (rp *ReadPref) TagSets() []TagSet { return rp.tagSets }

// MaxStaleness returns the max-staleness window and whether one was set.
func (rp *ReadPref) MaxStaleness() (time.Duration, bool) { return rp.maxStaleness, rp.hasMaxStaleness }

// ValidateMaxStaleness checks the spec §4.3.1 step 3 floor against the
// deployment's heartbeat frequency, returning a plain error (not a
// driver.Error of kind Configuration) if it is violated; Topology's
// SelectServer wraps it in a ServerSelectionError.
func (rp *ReadPref) ValidateMaxStaleness(heartbeatInterval time.Duration) error {
	if !rp.hasMaxStaleness {
		return nil
	}
	if rp.maxStaleness < 0 {
		return nil
	}
	floor := heartbeatInterval + minMaxStalenessSlop
	if rp.maxStaleness < floor {
		return fmt.Errorf("readpref: maxStalenessSeconds must be at least %s, got %s", floor, rp.maxStaleness)
	}
	return nil
}

// Primary returns the Primary-mode read preference.
func Primary() *ReadPref { rp, _ := New(PrimaryMode); return rp }

// SecondaryPreferred returns a SecondaryPreferred-mode read preference with
// the given options.
func SecondaryPreferred(opts ...Option) *ReadPref { rp, _ := New(SecondaryPreferredMode, opts...); return rp }
