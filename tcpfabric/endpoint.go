package tcpfabric

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"

	"github.com/localrivet/aitt/internal/core"
)

// zeroMsgSentinel is the length value send_sized substitutes for an actual
// zero-byte payload, distinguishing "legitimate empty message" from "broken
// connection" (spec §4.2, mirroring TCP.cc's INT32_MAX use).
const zeroMsgSentinel = math.MaxInt32

// MaxFrameSize bounds a single frame's declared length; anything larger
// aborts the stream (spec §4.2).
const MaxFrameSize = core.MaxPayloadLen

// Endpoint is one connected TCP stream plus the length-prefixed framing
// (and, for SECURE_TCP, AES-256-CBC encryption of both the length header
// and the payload) described in spec §4.2.
type Endpoint struct {
	conn   net.Conn
	secure bool
	key    []byte
	iv     []byte
}

// NewEndpoint wraps conn as a plain (unencrypted) framed endpoint and
// disables Nagle's algorithm.
func NewEndpoint(conn net.Conn) (*Endpoint, error) {
	if err := setNoDelay(conn); err != nil {
		return nil, err
	}
	return &Endpoint{conn: conn}, nil
}

// NewSecureEndpoint wraps conn with AES-256-CBC framing using key/iv, which
// must be exactly KeySize/IVSize bytes (spec §4.2).
func NewSecureEndpoint(conn net.Conn, key, iv []byte) (*Endpoint, error) {
	if len(key) != KeySize {
		return nil, &core.Error{Kind: core.KindInvalidArg, Op: "NewSecureEndpoint", Err: fmt.Errorf("key must be %d bytes", KeySize)}
	}
	if len(iv) != IVSize {
		return nil, &core.Error{Kind: core.KindInvalidArg, Op: "NewSecureEndpoint", Err: fmt.Errorf("iv must be %d bytes", IVSize)}
	}
	if err := setNoDelay(conn); err != nil {
		return nil, err
	}
	return &Endpoint{conn: conn, secure: true, key: key, iv: iv}, nil
}

func setNoDelay(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			return &core.Error{Kind: core.KindSystem, Op: "SetNoDelay", Err: err}
		}
	}
	return nil
}

// Close closes the underlying connection.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Conn exposes the underlying connection, e.g. for registering with a
// reactor's Watch.
func (e *Endpoint) Conn() net.Conn {
	return e.conn
}

// SendSized writes payload as one length-prefixed frame. A zero-byte
// payload is sent as the zeroMsgSentinel length with no body (spec §4.2).
// In secure mode the length header and the payload are each independently
// AES-256-CBC-encrypted and sent as their own ciphertext, header first.
func (e *Endpoint) SendSized(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &core.Error{Kind: core.KindInvalidArg, Op: "SendSized", Err: fmt.Errorf("payload of %d bytes exceeds max frame size", len(payload))}
	}

	length := int32(len(payload))
	if length == 0 {
		length = zeroMsgSentinel
	}

	if !e.secure {
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(length))
		if _, err := e.conn.Write(hdr[:]); err != nil {
			return &core.Error{Kind: core.KindSystem, Op: "SendSized", Err: err}
		}
		if len(payload) > 0 {
			if _, err := e.conn.Write(payload); err != nil {
				return &core.Error{Kind: core.KindSystem, Op: "SendSized", Err: err}
			}
		}
		return nil
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(length))
	cipherHdr, err := encryptCBC(e.key, e.iv, hdr[:])
	if err != nil {
		return &core.Error{Kind: core.KindSystem, Op: "SendSized", Err: err}
	}
	if _, err := e.conn.Write(cipherHdr); err != nil {
		return &core.Error{Kind: core.KindSystem, Op: "SendSized", Err: err}
	}

	if len(payload) > 0 {
		cipherPayload, err := encryptCBC(e.key, e.iv, payload)
		if err != nil {
			return &core.Error{Kind: core.KindSystem, Op: "SendSized", Err: err}
		}
		if _, err := e.conn.Write(cipherPayload); err != nil {
			return &core.Error{Kind: core.KindSystem, Op: "SendSized", Err: err}
		}
	}
	return nil
}

// cbcCiphertextLen is the ciphertext length PKCS#7-padded AES-CBC encryption
// of a plaintext of size n produces: always a whole number of blocks, with a
// full padding block appended even when n is already block-aligned.
func cbcCiphertextLen(n int) int {
	return (n/aesBlockSize + 1) * aesBlockSize
}

// RecvSized reads one frame, returning (nil, nil) for a zero-byte message,
// io.EOF on clean peer close, or a wrapped error on framing failure or an
// over-size header (spec §4.2).
func (e *Endpoint) RecvSized() ([]byte, error) {
	if !e.secure {
		var hdr [4]byte
		if _, err := io.ReadFull(e.conn, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: err}
		}
		length := binary.LittleEndian.Uint32(hdr[:])
		if length == zeroMsgSentinel {
			return nil, nil
		}
		if length > MaxFrameSize {
			return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: fmt.Errorf("frame of %d bytes exceeds max frame size", length)}
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(e.conn, buf); err != nil {
			return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: err}
		}
		return buf, nil
	}

	cipherHdr := make([]byte, cbcCiphertextLen(4))
	if _, err := io.ReadFull(e.conn, cipherHdr); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: err}
	}
	plainHdr, err := decryptCBC(e.key, e.iv, cipherHdr)
	if err != nil || len(plainHdr) != 4 {
		return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: fmt.Errorf("malformed encrypted length header")}
	}
	length := binary.LittleEndian.Uint32(plainHdr)
	if length == zeroMsgSentinel {
		return nil, nil
	}
	if length > MaxFrameSize {
		return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: fmt.Errorf("frame of %d bytes exceeds max frame size", length)}
	}

	cipherPayload := make([]byte, cbcCiphertextLen(int(length)))
	if _, err := io.ReadFull(e.conn, cipherPayload); err != nil {
		return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: err}
	}
	payload, err := decryptCBC(e.key, e.iv, cipherPayload)
	if err != nil {
		return nil, &core.Error{Kind: core.KindSystem, Op: "RecvSized", Err: err}
	}
	return payload, nil
}
