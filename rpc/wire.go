// Package rpc implements the RPC client handle (C1): a single
// multiplexed connection to a remote endpoint over which named events
// are dispatched and their results routed back to a caller-supplied
// handler. It is deliberately small: framing and encoding are provided
// by ecosystem libraries (yamux for multiplexing, a msgpack codec for
// the payload), exactly the codec/framing layer the specification
// treats as an external collaborator rather than something this module
// designs from scratch.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

var mpHandle codec.MsgpackHandle

// frameHeader is written before every request/reply/chunk body so the
// reader knows what kind of frame the body belongs to; the byte
// lengths of header and body travel in their own 4-byte prefixes
// (see writeChunk). Event is only present on the first frame of a call.
type frameHeader struct {
	Event string
	Kind  frameKind
}

type frameKind uint8

const (
	frameCall frameKind = iota
	frameReply
	frameStreamChunk
	frameStreamEnd
	frameError
)

// writeFrame writes a length-prefixed msgpack-encoded header followed
// by a length-prefixed msgpack-encoded body.
func writeFrame(w io.Writer, hdr frameHeader, body interface{}) error {
	hdrBytes, err := encode(hdr)
	if err != nil {
		return fmt.Errorf("rpc: failed to encode frame header: %w", err)
	}
	bodyBytes, err := encode(body)
	if err != nil {
		return fmt.Errorf("rpc: failed to encode frame body: %w", err)
	}
	if err := writeChunk(w, hdrBytes); err != nil {
		return err
	}
	return writeChunk(w, bodyBytes)
}

// readFrame reads one length-prefixed header/body pair and returns the
// body's raw msgpack bytes undecoded: the body may be a struct
// (encoded as a msgpack map) or an arbitrary value, and the caller
// decides how to decode it once the header's Kind is known.
func readFrame(r io.Reader) (frameHeader, []byte, error) {
	var hdr frameHeader
	hdrBytes, err := readChunk(r)
	if err != nil {
		return hdr, nil, err
	}
	if err := decode(hdrBytes, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("rpc: failed to decode frame header: %w", err)
	}
	bodyBytes, err := readChunk(r)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, bodyBytes, nil
}

func writeChunk(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &mpHandle)
	return dec.Decode(v)
}

// errorBody carries a failed call's message across the wire.
type errorBody struct {
	Message string
}
