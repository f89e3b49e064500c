package supervisorproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{
		Verb:    VerbExecuteTask,
		ID:      "req-1",
		Payload: MarshalPayload(ExecuteTaskPayload{CmdLine: "echo hi", Uid: 1000, Gid: 1000}),
	}

	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Verb != msg.Verb || got.ID != msg.ID {
		t.Fatalf("round-trip mismatch: got %+v", got)
	}

	var payload ExecuteTaskPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.CmdLine != "echo hi" || payload.Uid != 1000 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReadMessageTruncatedHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x01})
	if _, err := ReadMessage(bufio.NewReader(buf)); err == nil {
		t.Fatalf("expected error on truncated frame header")
	}
}

func TestReadMessageOversizedFrameRejected(t *testing.T) {
	var header [4]byte
	// one byte over maxFrameBytes
	binary.BigEndian.PutUint32(header[:], uint32(maxFrameBytes+1))
	buf := bytes.NewBuffer(header[:])
	if _, err := ReadMessage(bufio.NewReader(buf)); err == nil {
		t.Fatalf("expected error for frame exceeding max size")
	}
}

func TestWriteMessageOversizedPayloadRejected(t *testing.T) {
	huge := make([]byte, maxFrameBytes+1)
	msg := Message{Verb: VerbExecuteTask, ID: "x", Payload: huge}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err == nil {
		t.Fatalf("expected error writing oversized message")
	}
}
