package gateway

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

type opcode byte

const (
	opContinuation opcode = 0x0
	opText         opcode = 0x1
	opBinary       opcode = 0x2
	opClose        opcode = 0x8
	opPing         opcode = 0x9
	opPong         opcode = 0xA
)

func (o opcode) control() bool { return o >= opClose }

const defaultReadLimit = 1 << 20

var (
	ErrFrameTooLarge = errors.New("websocket message exceeds read limit")
	// ErrUnexpectedFrame covers protocol violations such as an orphan
	// continuation frame or a fragmented control frame.
	ErrUnexpectedFrame = errors.New("unexpected websocket frame")
)

// Conn is a minimal RFC 6455 connection carrying text messages. Writes are
// serialized; reads must come from a single goroutine.
type Conn struct {
	netConn   net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	masked    bool
	readLimit int

	writeMu sync.Mutex
	closed  bool
}

func newConn(netConn net.Conn, br *bufio.Reader, bw *bufio.Writer, client bool) *Conn {
	return &Conn{netConn: netConn, br: br, bw: bw, masked: client, readLimit: defaultReadLimit}
}

// SetReadLimit caps the size of a single reassembled message.
func (c *Conn) SetReadLimit(limit int) {
	if limit > 0 {
		c.readLimit = limit
	}
}

// header is the decoded fixed part of a frame.
type header struct {
	fin    bool
	op     opcode
	length uint64
	mask   [4]byte
	masked bool
}

func (h header) appendTo(buf []byte) []byte {
	first := byte(h.op)
	if h.fin {
		first |= 0x80
	}
	var maskBit byte
	if h.masked {
		maskBit = 0x80
	}
	buf = append(buf, first)
	switch {
	case h.length < 126:
		buf = append(buf, maskBit|byte(h.length))
	case h.length <= 0xFFFF:
		buf = append(buf, maskBit|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(h.length))
	default:
		buf = append(buf, maskBit|127)
		buf = binary.BigEndian.AppendUint64(buf, h.length)
	}
	if h.masked {
		buf = append(buf, h.mask[:]...)
	}
	return buf
}

func readHeader(r io.Reader) (header, error) {
	var fixed [2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return header{}, err
	}
	h := header{
		fin:    fixed[0]&0x80 != 0,
		op:     opcode(fixed[0] & 0x0F),
		masked: fixed[1]&0x80 != 0,
		length: uint64(fixed[1] & 0x7F),
	}
	switch h.length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return header{}, err
		}
		h.length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return header{}, err
		}
		h.length = binary.BigEndian.Uint64(ext[:])
	}
	if h.masked {
		if _, err := io.ReadFull(r, h.mask[:]); err != nil {
			return header{}, err
		}
	}
	return h, nil
}

func applyMask(payload []byte, mask [4]byte) {
	for i := range payload {
		payload[i] ^= mask[i&3]
	}
}

// ReadMessage returns the next text or binary message. Pings are answered
// and fragments reassembled on the way; a ctx deadline bounds the read.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, io.EOF
	}
	deadline := time.Time{}
	if ctx != nil {
		deadline, _ = ctx.Deadline()
	}
	_ = c.netConn.SetReadDeadline(deadline)

	var (
		message    []byte
		assembling bool
	)
	for {
		h, err := readHeader(c.br)
		if err != nil {
			return nil, err
		}
		if h.op.control() {
			if h.length > 125 || !h.fin {
				return nil, ErrUnexpectedFrame
			}
		} else if remaining := c.readLimit - len(message); remaining < 0 || h.length > uint64(remaining) {
			return nil, ErrFrameTooLarge
		}
		payload := make([]byte, h.length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return nil, err
		}
		if h.masked {
			applyMask(payload, h.mask)
		}

		switch h.op {
		case opText, opBinary:
			if assembling {
				return nil, ErrUnexpectedFrame
			}
			if h.fin {
				return payload, nil
			}
			message, assembling = payload, true
		case opContinuation:
			if !assembling {
				return nil, ErrUnexpectedFrame
			}
			message = append(message, payload...)
			if h.fin {
				return message, nil
			}
		case opPing:
			if err := c.write(opPong, payload); err != nil {
				return nil, err
			}
		case opPong:
		case opClose:
			_ = c.write(opClose, payload)
			_ = c.Close()
			return nil, io.EOF
		default:
			return nil, ErrUnexpectedFrame
		}
	}
}

func (c *Conn) WriteText(payload []byte) error {
	return c.write(opText, payload)
}

func (c *Conn) Ping(payload []byte) error {
	return c.write(opPing, payload)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.netConn.SetWriteDeadline(t)
}

// CloseWithStatus sends a close frame carrying code and reason, then closes
// the connection.
func (c *Conn) CloseWithStatus(code uint16, reason string) error {
	payload := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	_ = c.write(opClose, append(payload, reason...))
	return c.Close()
}

func (c *Conn) write(op opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	h := header{fin: true, op: op, length: uint64(len(payload)), masked: c.masked}
	if h.masked {
		if _, err := rand.Read(h.mask[:]); err != nil {
			return err
		}
		payload = append([]byte(nil), payload...)
		applyMask(payload, h.mask)
	}
	if _, err := c.bw.Write(h.appendTo(make([]byte, 0, 14))); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.netConn.Close()
}
