// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore contains functions that can be used to encode and decode
// BSON elements and values to or from a byte slice. These functions are
// aimed at the lowest level of BSON processing: command construction for
// wire messages. They do not validate length prefixes against the overall
// buffer length beyond what is required to safely slice; callers that need
// full document validation should do so above this package.
package bsoncore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/coremongo/dispatcher/bson/primitive"
)

// Type is a BSON element type tag, as it appears on the wire.
type Type byte

// The BSON type tags this package knows how to encode and decode. Only the
// subset the dispatcher's command construction and reply parsing actually
// uses is implemented; types such as Decimal128 or JavaScript are out of
// scope.
const (
	TypeDouble           Type = 0x01
	TypeString           Type = 0x02
	TypeEmbeddedDocument Type = 0x03
	TypeArray            Type = 0x04
	TypeBinary           Type = 0x05
	TypeObjectID         Type = 0x07
	TypeBoolean          Type = 0x08
	TypeDateTime         Type = 0x09
	TypeNull             Type = 0x0A
	TypeInt32            Type = 0x10
	TypeTimestamp        Type = 0x11
	TypeInt64            Type = 0x12
)

// ErrElementNotFound is returned by Document.LookupErr when the requested
// key does not appear at the top level of the document.
var ErrElementNotFound = errors.New("bsoncore: element not found")

// ErrInvalidDocument is returned when a byte slice cannot be parsed as a
// well-formed BSON document or array.
var ErrInvalidDocument = errors.New("bsoncore: invalid document")

// Document is a raw, undecoded BSON document: a 4-byte little-endian length
// prefix, a sequence of elements, and a trailing null byte.
type Document []byte

// Array is a raw, undecoded BSON array, encoded identically to a Document
// except that its element keys are the stringified indices "0", "1", ....
type Array []byte

// Value is a single decoded BSON value: its type tag plus the type's
// payload bytes, stripped of any length prefix or trailing null the wire
// format adds around it (see parseElement for the exact slicing per type).
type Value struct {
	Type Type
	Data []byte
}

// Lookup finds a top-level element of d by key, returning the zero Value if
// key is absent or d is malformed.
func (d Document) Lookup(key string) Value {
	v, _ := d.LookupErr(key)
	return v
}

// LookupErr finds a top-level element of d by key, returning
// ErrElementNotFound if absent and ErrInvalidDocument if d cannot be parsed.
func (d Document) LookupErr(key string) (Value, error) {
	var found Value
	ok := false
	err := walkElements(d, func(k string, v Value) bool {
		if k == key {
			found, ok = v, true
			return false
		}
		return true
	})
	if err != nil {
		return Value{}, err
	}
	if !ok {
		return Value{}, ErrElementNotFound
	}
	return found, nil
}

// Elements calls fn for every top-level element of d in order, stopping
// early if fn returns false. It returns an error if d is not a
// well-formed document.
func (d Document) Elements(fn func(key string, v Value) bool) error {
	return walkElements(d, fn)
}

// String renders d for logging; it is not a faithful Extended JSON encoder,
// only a best-effort debugging aid.
func (d Document) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	_ = walkElements(d, func(key string, v Value) bool {
		if !first {
			buf.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&buf, "%q: %s", key, v.debugString())
		return true
	})
	buf.WriteByte('}')
	return buf.String()
}

// Elements calls fn for every element of a in order, stopping early if fn
// returns false.
func (a Array) Elements(fn func(key string, v Value) bool) error {
	return walkElements(Document(a), fn)
}

// String renders a for logging.
func (a Array) String() string {
	return Document(a).String()
}

func (v Value) debugString() string {
	switch v.Type {
	case TypeString:
		s, _ := v.StringValueOK()
		return fmt.Sprintf("%q", s)
	case TypeInt32:
		i, _ := v.Int32OK()
		return fmt.Sprintf("%d", i)
	case TypeInt64, TypeTimestamp:
		i, _ := v.Int64OK()
		return fmt.Sprintf("%d", i)
	case TypeDouble:
		f, _ := v.DoubleOK()
		return fmt.Sprintf("%v", f)
	case TypeBoolean:
		b, _ := v.BooleanOK()
		return fmt.Sprintf("%v", b)
	case TypeEmbeddedDocument:
		return Document(v.Data).String()
	case TypeArray:
		return Array(v.Data).String()
	case TypeObjectID:
		oid, _ := v.ObjectIDOK()
		return oid.Hex()
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("<type %#x>", byte(v.Type))
	}
}

// DoubleOK returns v's value as a float64, or false if v is not a double.
func (v Value) DoubleOK() (float64, bool) {
	if v.Type != TypeDouble || len(v.Data) < 8 {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Data)), true
}

// StringValueOK returns v's value as a string, or false if v is not a string.
func (v Value) StringValueOK() (string, bool) {
	if v.Type != TypeString {
		return "", false
	}
	return string(v.Data), true
}

// DocumentOK returns v's value as an embedded Document, or false if v is not
// a document.
func (v Value) DocumentOK() (Document, bool) {
	if v.Type != TypeEmbeddedDocument {
		return nil, false
	}
	return Document(v.Data), true
}

// ArrayOK returns v's value as an Array, or false if v is not an array.
func (v Value) ArrayOK() (Array, bool) {
	if v.Type != TypeArray {
		return nil, false
	}
	return Array(v.Data), true
}

// BooleanOK returns v's value as a bool, or false if v is not a boolean.
func (v Value) BooleanOK() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] != 0, true
}

// ObjectIDOK returns v's value as a primitive.ObjectID, or false if v is not
// an ObjectID.
func (v Value) ObjectIDOK() (primitive.ObjectID, bool) {
	if v.Type != TypeObjectID || len(v.Data) != 12 {
		return primitive.ObjectID{}, false
	}
	var oid primitive.ObjectID
	copy(oid[:], v.Data)
	return oid, true
}

// BinaryOK returns v's subtype and payload, or false if v is not binary.
func (v Value) BinaryOK() (byte, []byte, bool) {
	if v.Type != TypeBinary || len(v.Data) < 1 {
		return 0, nil, false
	}
	return v.Data[0], v.Data[1:], true
}

// Int32OK returns v's value as an int32, or false if v is not a 32-bit
// integer.
func (v Value) Int32OK() (int32, bool) {
	if v.Type != TypeInt32 || len(v.Data) < 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(v.Data)), true
}

// Int64OK returns v's value as an int64. BSON Timestamps are accepted
// alongside Int64 since both are an 8-byte little-endian payload and the
// dispatcher only ever needs the raw bits (clusterTime/operationTime
// comparison, never the split increment/seconds view, happens above this
// package).
func (v Value) Int64OK() (int64, bool) {
	if (v.Type != TypeInt64 && v.Type != TypeTimestamp) || len(v.Data) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), true
}

// DateTimeOK returns v's value as milliseconds since the Unix epoch, or
// false if v is not a UTC datetime.
func (v Value) DateTimeOK() (int64, bool) {
	if v.Type != TypeDateTime || len(v.Data) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), true
}

// parseElement decodes the single element at the front of raw (type tag,
// cstring key, value payload) and returns the remaining bytes after it.
func parseElement(raw []byte) (key string, v Value, rest []byte, ok bool) {
	if len(raw) < 2 {
		return "", Value{}, nil, false
	}
	t := Type(raw[0])
	nul := bytes.IndexByte(raw[1:], 0)
	if nul < 0 {
		return "", Value{}, nil, false
	}
	key = string(raw[1 : 1+nul])
	data := raw[1+nul+1:]

	switch t {
	case TypeDouble:
		if len(data) < 8 {
			return "", Value{}, nil, false
		}
		return key, Value{t, data[:8]}, data[8:], true
	case TypeString:
		if len(data) < 4 {
			return "", Value{}, nil, false
		}
		n := int(int32(binary.LittleEndian.Uint32(data[:4])))
		if n < 1 || 4+n > len(data) {
			return "", Value{}, nil, false
		}
		return key, Value{t, data[4 : 4+n-1]}, data[4+n:], true
	case TypeEmbeddedDocument, TypeArray:
		if len(data) < 5 {
			return "", Value{}, nil, false
		}
		n := int(int32(binary.LittleEndian.Uint32(data[:4])))
		if n < 5 || n > len(data) {
			return "", Value{}, nil, false
		}
		return key, Value{t, data[:n]}, data[n:], true
	case TypeBinary:
		if len(data) < 5 {
			return "", Value{}, nil, false
		}
		n := int(int32(binary.LittleEndian.Uint32(data[:4])))
		if n < 0 || 5+n > len(data) {
			return "", Value{}, nil, false
		}
		// Data holds the subtype byte followed by the payload, so BinaryOK
		// can split them back out without a second length field.
		return key, Value{t, data[4 : 5+n]}, data[5+n:], true
	case TypeObjectID:
		if len(data) < 12 {
			return "", Value{}, nil, false
		}
		return key, Value{t, data[:12]}, data[12:], true
	case TypeBoolean:
		if len(data) < 1 {
			return "", Value{}, nil, false
		}
		return key, Value{t, data[:1]}, data[1:], true
	case TypeDateTime, TypeTimestamp, TypeInt64:
		if len(data) < 8 {
			return "", Value{}, nil, false
		}
		return key, Value{t, data[:8]}, data[8:], true
	case TypeNull:
		return key, Value{Type: t}, data, true
	case TypeInt32:
		if len(data) < 4 {
			return "", Value{}, nil, false
		}
		return key, Value{t, data[:4]}, data[4:], true
	default:
		return "", Value{}, nil, false
	}
}

// walkElements iterates the elements of a document/array's raw bytes
// (length prefix through trailing null inclusive), calling fn for each
// until it returns false or the elements are exhausted.
func walkElements(raw []byte, fn func(key string, v Value) bool) error {
	if len(raw) < 5 {
		return ErrInvalidDocument
	}
	n, _, ok := ReadLength(raw)
	if !ok || int(n) > len(raw) || n < 5 {
		return ErrInvalidDocument
	}
	body := raw[4 : n-1]
	for len(body) > 0 {
		key, v, rest, ok := parseElement(body)
		if !ok {
			return ErrInvalidDocument
		}
		if !fn(key, v) {
			return nil
		}
		body = rest
	}
	return nil
}

// ReadLength reads the 4-byte little-endian length prefix at the front of
// src, returning the length, the remaining bytes, and whether src held
// enough bytes to read it.
func ReadLength(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src[:4])), src[4:], true
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// AppendDocumentStart reserves a 4-byte length placeholder at the end of
// dst and returns its index (for a later AppendDocumentEnd) and dst with
// the placeholder appended.
func AppendDocumentStart(dst []byte) (int32, []byte) {
	idx := int32(len(dst))
	return idx, append(dst, 0x00, 0x00, 0x00, 0x00)
}

// AppendDocumentEnd appends the trailing null byte and backfills the
// length placeholder reserved by the matching AppendDocumentStart at idx.
func AppendDocumentEnd(dst []byte, idx int32) ([]byte, error) {
	if idx < 0 || int(idx)+4 > len(dst) {
		return dst, fmt.Errorf("bsoncore: invalid document start index %d", idx)
	}
	dst = append(dst, 0x00)
	length := int32(len(dst)) - idx
	binary.LittleEndian.PutUint32(dst[idx:idx+4], uint32(length))
	return dst, nil
}

// AppendArrayEnd closes an array opened with AppendArrayElementStart; BSON
// arrays share the document's length-prefix-plus-trailing-null framing.
func AppendArrayEnd(dst []byte, idx int32) ([]byte, error) {
	return AppendDocumentEnd(dst, idx)
}

// AppendDocumentElementStart appends the type tag and key for an embedded
// document element, reserves its length placeholder, and returns the index
// AppendDocumentEnd needs to close it.
func AppendDocumentElementStart(dst []byte, key string) (int32, []byte) {
	dst = append(dst, byte(TypeEmbeddedDocument))
	dst = appendCString(dst, key)
	return AppendDocumentStart(dst)
}

// AppendArrayElementStart appends the type tag and key for an array
// element, reserves its length placeholder, and returns the index
// AppendArrayEnd needs to close it.
func AppendArrayElementStart(dst []byte, key string) (int32, []byte) {
	dst = append(dst, byte(TypeArray))
	dst = appendCString(dst, key)
	return AppendDocumentStart(dst)
}

// AppendDocumentElement appends a complete embedded document value (as
// produced by AppendDocumentStart/End, or any other well-formed Document)
// under key.
func AppendDocumentElement(dst []byte, key string, value Document) []byte {
	dst = append(dst, byte(TypeEmbeddedDocument))
	dst = appendCString(dst, key)
	return append(dst, value...)
}

// AppendArrayElement appends a complete array value under key.
func AppendArrayElement(dst []byte, key string, value Array) []byte {
	dst = append(dst, byte(TypeArray))
	dst = appendCString(dst, key)
	return append(dst, value...)
}

// AppendStringElement appends a UTF-8 string element.
func AppendStringElement(dst []byte, key, value string) []byte {
	dst = append(dst, byte(TypeString))
	dst = appendCString(dst, key)
	lenIdx := len(dst)
	dst = append(dst, 0x00, 0x00, 0x00, 0x00)
	dst = append(dst, value...)
	dst = append(dst, 0x00)
	binary.LittleEndian.PutUint32(dst[lenIdx:lenIdx+4], uint32(len(value)+1))
	return dst
}

// AppendDoubleElement appends a float64 element.
func AppendDoubleElement(dst []byte, key string, value float64) []byte {
	dst = append(dst, byte(TypeDouble))
	dst = appendCString(dst, key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(value))
	return append(dst, buf[:]...)
}

// AppendInt32Element appends a 32-bit integer element.
func AppendInt32Element(dst []byte, key string, value int32) []byte {
	dst = append(dst, byte(TypeInt32))
	dst = appendCString(dst, key)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(value))
	return append(dst, buf[:]...)
}

// AppendInt64Element appends a 64-bit integer element.
func AppendInt64Element(dst []byte, key string, value int64) []byte {
	dst = append(dst, byte(TypeInt64))
	dst = appendCString(dst, key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))
	return append(dst, buf[:]...)
}

// AppendBooleanElement appends a boolean element.
func AppendBooleanElement(dst []byte, key string, value bool) []byte {
	dst = append(dst, byte(TypeBoolean))
	dst = appendCString(dst, key)
	if value {
		return append(dst, 0x01)
	}
	return append(dst, 0x00)
}

// AppendBinaryElement appends a binary (subtype + payload) element.
func AppendBinaryElement(dst []byte, key string, subtype byte, data []byte) []byte {
	dst = append(dst, byte(TypeBinary))
	dst = appendCString(dst, key)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, subtype)
	return append(dst, data...)
}

// AppendObjectIDElement appends an ObjectID element.
func AppendObjectIDElement(dst []byte, key string, oid primitive.ObjectID) []byte {
	dst = append(dst, byte(TypeObjectID))
	dst = appendCString(dst, key)
	return append(dst, oid[:]...)
}

// AppendDateTimeElement appends a UTC datetime element, ms since the Unix
// epoch.
func AppendDateTimeElement(dst []byte, key string, ms int64) []byte {
	dst = append(dst, byte(TypeDateTime))
	dst = appendCString(dst, key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ms))
	return append(dst, buf[:]...)
}

// AppendTimestampElement appends a BSON Timestamp element from its
// increment and seconds-since-epoch halves.
func AppendTimestampElement(dst []byte, key string, increment, timestamp uint32) []byte {
	dst = append(dst, byte(TypeTimestamp))
	dst = appendCString(dst, key)
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], increment)
	binary.LittleEndian.PutUint32(buf[4:8], timestamp)
	return append(dst, buf[:]...)
}

// AppendNullElement appends a null element.
func AppendNullElement(dst []byte, key string) []byte {
	dst = append(dst, byte(TypeNull))
	return appendCString(dst, key)
}
