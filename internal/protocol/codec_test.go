package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/user/nextmeeting/internal/types"
)

func TestWriteReadEnvelope(t *testing.T) {
	env, err := NewEnvelope("req-1", Snooze(30))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, env); err != nil {
		t.Fatal(err)
	}

	prefix := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(prefix) != buf.Len()-4 {
		t.Fatalf("prefix %d does not match body length %d", prefix, buf.Len()-4)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != "req-1" || got.ProtocolVersion != Version {
		t.Errorf("unexpected envelope %+v", got)
	}
	req, err := got.DecodeRequest()
	if err != nil {
		t.Fatal(err)
	}
	if req.Type != RequestSnooze || req.Minutes != 30 {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	for _, req := range []Request{Ping(), Status(), Refresh(true, "work")} {
		env, err := NewEnvelope(string(req.Type), req)
		if err != nil {
			t.Fatal(err)
		}
		if err := WriteFrame(&buf, env); err != nil {
			t.Fatal(err)
		}
	}

	want := []RequestType{RequestPing, RequestStatus, RequestRefresh}
	for _, w := range want {
		env, err := ReadEnvelope(&buf)
		if err != nil {
			t.Fatal(err)
		}
		req, err := env.DecodeRequest()
		if err != nil {
			t.Fatal(err)
		}
		if req.Type != w {
			t.Errorf("expected %s, got %s", w, req.Type)
		}
	}
	if _, err := ReadEnvelope(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

// countingReader records how many bytes were consumed.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestReadFrameRejectsOversizeBeforeReadingBody(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxMessageSize+1)
	stream := io.MultiReader(bytes.NewReader(prefix[:]), strings.NewReader(strings.Repeat("x", 4096)))
	cr := &countingReader{r: stream}

	_, err := ReadFrame(cr, 0)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if cr.n != 4 {
		t.Errorf("expected only the 4-byte prefix to be read, read %d bytes", cr.n)
	}
}

func TestReadFrameHugePrefix(t *testing.T) {
	r := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(r, 0); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameEmptyAndTruncated(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 0); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame for empty frame, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0}), 0); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected truncated prefix error, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, 'a'}), 0); err == nil {
		t.Error("expected truncated body error")
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	events := make([]types.NormalizedEvent, 0, 2000)
	for i := 0; i < 2000; i++ {
		events = append(events, types.NormalizedEvent{ID: "p:x", Title: strings.Repeat("t", 600)})
	}
	env, err := NewEnvelope("big", Meetings(events))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, env); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written for an oversize frame, got %d bytes", buf.Len())
	}
}

func TestReadEnvelopeVersionMismatch(t *testing.T) {
	env := Envelope{ProtocolVersion: "99", RequestID: "old-client", Payload: json.RawMessage(`{"type":"ping"}`)}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, env); err != nil {
		t.Fatal(err)
	}
	got, err := ReadEnvelope(&buf)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if got.RequestID != "old-client" {
		t.Errorf("request id should survive a version mismatch, got %q", got.RequestID)
	}
}

func TestDecodeRequestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `nope`},
		{"missing type", `{}`},
		{"unknown type", `{"type":"dance"}`},
		{"negative snooze", `{"type":"snooze","minutes":-5}`},
		{"negative limit", `{"type":"get_meetings","filter":{"limit":-1}}`},
		{"snooze beyond a year", `{"type":"snooze","minutes":200000000}`},
		{"within beyond a year", `{"type":"get_meetings","filter":{"within_minutes":200000000}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{ProtocolVersion: Version, Payload: json.RawMessage(tt.payload)}
			if _, err := env.DecodeRequest(); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestResponseWireShape(t *testing.T) {
	data, err := json.Marshal(Errorf(CodeNotFound, "unknown provider %q", "x"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "error" || m["code"] != "not_found" {
		t.Errorf("unexpected error payload %s", data)
	}

	data, err = json.Marshal(Meetings(nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"meetings","meetings":[]}` {
		t.Errorf("unexpected empty meetings payload %s", data)
	}

	data, err = json.Marshal(OK())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"ok"}` {
		t.Errorf("unexpected ok payload %s", data)
	}
}

func TestDecodeResponseVariants(t *testing.T) {
	env, err := NewEnvelope("r", StatusResponse(StatusInfo{UptimeSeconds: 42}))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := env.DecodeResponse()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != ResponseStatus || resp.StatusInfo == nil || resp.UptimeSeconds != 42 {
		t.Errorf("unexpected status response %+v", resp)
	}
	if resp.Err() != nil {
		t.Errorf("status response should carry no error")
	}

	env, err = NewEnvelope("r", Errorf(CodeShuttingDown, "bye"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err = env.DecodeResponse()
	if err != nil {
		t.Fatal(err)
	}
	var remote *RemoteError
	if !errors.As(resp.Err(), &remote) || remote.Code != CodeShuttingDown {
		t.Errorf("expected shutting_down remote error, got %v", resp.Err())
	}
}
