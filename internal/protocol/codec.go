package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// Version is compared exactly against every incoming envelope.
	Version = "1"
	// MaxMessageSize caps the payload length declared by a frame prefix.
	MaxMessageSize = 1 << 20 // 1 MiB

	prefixSize = 4
)

var (
	ErrInvalidFrame    = errors.New("protocol: invalid frame")
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
	ErrVersionMismatch = errors.New("protocol: version mismatch")
)

// Envelope wraps every message on the wire.
type Envelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	RequestID       string          `json:"request_id"`
	Payload         json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope tagged with the current version.
func NewEnvelope(requestID string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		ProtocolVersion: Version,
		RequestID:       requestID,
		Payload:         body,
	}, nil
}

// Compatible reports whether the envelope speaks this protocol version.
func (e Envelope) Compatible() bool {
	return e.ProtocolVersion == Version
}

// DecodeRequest decodes and validates the payload as a Request.
func (e Envelope) DecodeRequest() (Request, error) {
	var req Request
	if err := e.decode(&req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeResponse decodes the payload as a Response.
func (e Envelope) DecodeResponse() (Response, error) {
	var resp Response
	if err := e.decode(&resp); err != nil {
		return Response{}, err
	}
	if resp.Type == "" {
		return Response{}, fmt.Errorf("%w: response type is required", ErrInvalidFrame)
	}
	return resp, nil
}

func (e Envelope) decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidFrame, err)
	}
	return nil
}

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded envelope, as a single write.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, prefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:prefixSize], uint32(len(body)))
	copy(buf[prefixSize:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame body. The declared length is
// checked against maxSize before anything is allocated; a zero or
// non-positive maxSize means MaxMessageSize. A clean EOF before the prefix
// is returned as io.EOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	limit := maxSize
	if limit <= 0 {
		limit = MaxMessageSize
	}
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if uint64(size) > uint64(limit) {
		return nil, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, size, limit)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// ReadEnvelope reads and decodes one envelope. On a version mismatch the
// decoded envelope is returned together with ErrVersionMismatch so the caller
// can answer with the client's request id.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	body, err := ReadFrame(r, MaxMessageSize)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrInvalidFrame, err)
	}
	if !env.Compatible() {
		return env, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, env.ProtocolVersion, Version)
	}
	return env, nil
}
