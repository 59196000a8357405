// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/driver/auth"
)

// opCodeCompressed is OP_COMPRESSED (2012), the framing this module speaks
// when a compressor has been negotiated in the handshake.
const opCodeCompressed int32 = 2012

// compressorID identifies one of the wire-protocol-registered compression
// algorithms.
type compressorID byte

// The compressor IDs the wire protocol defines that this module supports.
const (
	compressorNoop   compressorID = 0
	compressorSnappy compressorID = 1
	compressorZstd   compressorID = 3
)

var nextConnectionID uint64

func newConnectionID(addr address.Address) string {
	return fmt.Sprintf("%s[-%d]", addr, atomic.AddUint64(&nextConnectionID, 1))
}

// ConnectionOption configures a connection before it is dialed.
type ConnectionOption func(*connectionConfig)

type connectionConfig struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	handshaker     driver.Handshaker
	compressors    []string
	appname        string
	authenticator  auth.Authenticator
}

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{connectTimeout: defaultConnectTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.connectTimeout = d }
}

// WithReadTimeout sets the read deadline applied to every ReadWireMessage.
func WithReadTimeout(d time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.readTimeout = d }
}

// WithWriteTimeout sets the write deadline applied to every WriteWireMessage.
func WithWriteTimeout(d time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.writeTimeout = d }
}

// WithIdleTimeout sets how long a pooled connection may sit unused before
// Expired reports true.
func WithIdleTimeout(d time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.idleTimeout = d }
}

// WithHandshaker sets the Handshaker run immediately after dialing.
func WithHandshaker(h driver.Handshaker) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.handshaker = h }
}

// WithConnectionCompressors sets the compressors to negotiate during the
// handshake.
func WithConnectionCompressors(compressors []string) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.compressors = compressors }
}

// WithConnectionAppName sets the application name used when a heartbeat
// connection builds its own handshake (distinct from the caller-supplied
// Handshaker, which already knows it).
func WithConnectionAppName(appname string) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.appname = appname }
}

// WithConnectionAuthenticator sets the driver/auth.Authenticator run once
// the handshake completes, before the connection is handed to a pool.
func WithConnectionAuthenticator(a auth.Authenticator) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.authenticator = a }
}

// connection is this module's Link: a single TCP (or unix socket) connection
// to one mongod/mongos, speaking OP_MSG (optionally OP_COMPRESSED).
type connection struct {
	id   string
	addr address.Address
	nc   net.Conn
	cfg  *connectionConfig

	desc description.Server

	idleDeadline time.Time
	dead         bool

	compressor   compressorID
	zstdEncoder  *zstd.Encoder
	zstdDecoder  *zstd.Decoder
	generation   uint64
	releaseFn    func()
}

// newConnection dials addr and, if cfg.handshaker is set, runs the
// handshake, storing the resulting ServerDescription.
func newConnection(ctx context.Context, addr address.Address, opts ...ConnectionOption) (*connection, error) {
	cfg := newConnectionConfig(opts...)

	dialer := &net.Dialer{Timeout: cfg.connectTimeout}
	nc, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, driver.Error{Kind: driver.KindConnection, Message: "dialing", Wrapped: err}
	}

	c := &connection{
		id:   newConnectionID(addr),
		addr: addr,
		nc:   nc,
		cfg:  cfg,
	}
	c.bumpIdleDeadline()

	if cfg.handshaker != nil {
		info, err := cfg.handshaker.GetHandshakeInformation(ctx, addr, c)
		if err != nil {
			nc.Close()
			return nil, err
		}
		c.desc = info.Description
		c.negotiateCompressor(info.Description)
		if err := cfg.handshaker.FinishHandshake(ctx, c); err != nil {
			nc.Close()
			return nil, err
		}
	}

	if cfg.authenticator != nil && c.desc.Kind != description.RSArbiter {
		if err := cfg.authenticator.Auth(ctx, c); err != nil {
			nc.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *connection) negotiateCompressor(desc description.Server) {
	for _, want := range c.cfg.compressors {
		switch want {
		case "snappy":
			c.compressor = compressorSnappy
			return
		case "zstd":
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				continue
			}
			dec, err := zstd.NewReader(nil)
			if err != nil {
				continue
			}
			c.zstdEncoder, c.zstdDecoder = enc, dec
			c.compressor = compressorZstd
			return
		}
	}
}

func (c *connection) bumpIdleDeadline() {
	if c.cfg.idleTimeout > 0 {
		c.idleDeadline = time.Now().Add(c.cfg.idleTimeout)
	}
}

// Expired reports whether this connection has exceeded its idle timeout or
// was marked dead by a prior I/O error.
func (c *connection) expired() bool {
	if c.dead {
		return true
	}
	return !c.idleDeadline.IsZero() && time.Now().After(c.idleDeadline)
}

// Stale implements driver.Connection. This module does not track pool
// generations per-connection beyond what the pool itself enforces at
// checkout, so a live connection is never individually stale.
func (c *connection) Stale() bool { return c.dead }

// Description implements driver.Connection.
func (c *connection) Description() description.Server { return c.desc }

// ID implements driver.Connection.
func (c *connection) ID() string { return c.id }

// Address implements driver.Connection.
func (c *connection) Address() string { return c.addr.String() }

// Close implements driver.Connection.
func (c *connection) Close() error {
	c.dead = true
	return c.nc.Close()
}

// WriteWireMessage implements driver.Connection, applying compression if a
// compressor was negotiated and the message isn't part of the handshake.
func (c *connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	if c.cfg.writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	} else if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	}

	out := wm
	if c.compressor != compressorNoop {
		compressed, err := c.compressWireMessage(wm)
		if err == nil {
			out = compressed
		}
	}

	if _, err := c.nc.Write(out); err != nil {
		c.dead = true
		return driver.Error{Kind: driver.KindConnection, Message: "writing", Wrapped: err}
	}
	c.bumpIdleDeadline()
	return nil
}

// ReadWireMessage implements driver.Connection.
func (c *connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	if c.cfg.readTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.readTimeout))
	} else if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	}

	header := make([]byte, 16)
	if _, err := ioReadFull(c.nc, header); err != nil {
		c.dead = true
		return nil, driver.Error{Kind: driver.KindConnection, Message: "reading header", Wrapped: err}
	}
	length := int32(binary.LittleEndian.Uint32(header[0:4]))
	if length < 16 {
		c.dead = true
		return nil, fmt.Errorf("topology: invalid wire message length %d", length)
	}
	body := make([]byte, length-16)
	if _, err := ioReadFull(c.nc, body); err != nil {
		c.dead = true
		return nil, driver.Error{Kind: driver.KindConnection, Message: "reading body", Wrapped: err}
	}
	c.bumpIdleDeadline()

	opCode := int32(binary.LittleEndian.Uint32(header[12:16]))
	if opCode != opCodeCompressed {
		return append(header, body...), nil
	}
	return c.decompressWireMessage(header, body)
}

// compressWireMessage wraps an OP_MSG wire message in OP_COMPRESSED:
// header(16, opCode replaced with opCodeCompressed) + originalOpCode(4) +
// uncompressedSize(4) + compressorID(1) + compressed payload.
func (c *connection) compressWireMessage(wm []byte) ([]byte, error) {
	if len(wm) < 16 {
		return wm, fmt.Errorf("topology: wire message too short to compress")
	}
	originalOpCode := int32(binary.LittleEndian.Uint32(wm[12:16]))
	body := wm[16:]

	var compressed []byte
	switch c.compressor {
	case compressorSnappy:
		compressed = snappy.Encode(nil, body)
	case compressorZstd:
		if c.zstdEncoder == nil {
			return wm, fmt.Errorf("topology: zstd encoder not initialized")
		}
		compressed = c.zstdEncoder.EncodeAll(body, nil)
	default:
		return wm, fmt.Errorf("topology: no compressor negotiated")
	}

	out := make([]byte, 0, 25+len(compressed))
	out = append(out, 0, 0, 0, 0) // length placeholder
	out = append(out, wm[4:12]...) // requestID, responseTo
	out = appendInt32LE(out, opCodeCompressed)
	out = appendInt32LE(out, originalOpCode)
	out = appendInt32LE(out, int32(len(body)))
	out = append(out, byte(c.compressor))
	out = append(out, compressed...)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out, nil
}

// decompressWireMessage reverses compressWireMessage, reconstructing the
// original OP_MSG wire message (header with the original opCode restored).
func (c *connection) decompressWireMessage(header, body []byte) ([]byte, error) {
	if len(body) < 9 {
		return nil, fmt.Errorf("topology: OP_COMPRESSED body too short")
	}
	originalOpCode := int32(binary.LittleEndian.Uint32(body[0:4]))
	uncompressedSize := int32(binary.LittleEndian.Uint32(body[4:8]))
	algo := compressorID(body[8])
	payload := body[9:]

	var original []byte
	var err error
	switch algo {
	case compressorSnappy:
		original, err = snappy.Decode(make([]byte, 0, uncompressedSize), payload)
	case compressorZstd:
		if c.zstdDecoder == nil {
			return nil, fmt.Errorf("topology: zstd decoder not initialized")
		}
		original, err = c.zstdDecoder.DecodeAll(payload, make([]byte, 0, uncompressedSize))
	case compressorNoop:
		original = payload
	default:
		return nil, fmt.Errorf("topology: unsupported compressor id %d", algo)
	}
	if err != nil {
		return nil, driver.Error{Kind: driver.KindConnection, Message: "decompressing reply", Wrapped: err}
	}

	out := make([]byte, 0, 16+len(original))
	out = append(out, 0, 0, 0, 0)
	out = append(out, header[4:12]...)
	out = appendInt32LE(out, originalOpCode)
	out = append(out, original...)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out, nil
}

func appendInt32LE(dst []byte, v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return append(dst, buf[:]...)
}

func ioReadFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
