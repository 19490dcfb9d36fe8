package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frame := NodeFrame{Type: NodeFrameRegister, NodeID: "0xabc", PublicKeyB64: "pub"}
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got NodeFrame
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != NodeFrameRegister || got.NodeID != "0xabc" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	frame := NodeFrame{Type: NodeFrameRelaySend, Room: strings.Repeat("a", MaxFrameSize+1)}
	if err := WriteFrame(&buf, frame); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestReadFrameRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1}) // claims 1 byte, stream then ends
	var got NodeFrame
	if err := ReadFrame(&buf, &got); err == nil {
		t.Fatal("expected error reading truncated frame")
	}
}
