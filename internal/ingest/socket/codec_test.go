package socket

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var b bytes.Buffer
	for _, in := range []string{"hello", "x", "sensors/a/temp"} {
		if err := WriteFrame(&b, []byte(in)); err != nil {
			t.Fatal(err)
		}
	}
	r := bufio.NewReader(&b)
	for _, want := range []string{"hello", "x", "sensors/a/temp"} {
		out, err := ReadFrame(r)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != want {
			t.Fatalf("got %q, want %q", out, want)
		}
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at frame boundary, got %v", err)
	}
}

func TestFrameRejectsOversizedAndEmpty(t *testing.T) {
	var b bytes.Buffer
	if err := WriteFrame(&b, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := WriteFrame(&b, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 0}))); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame on read, got %v", err)
	}
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0x7f, 0, 0, 0}))); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
}

func TestFrameTruncatedBody(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 5, 'a', 'b'})))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestProtoRoundTrip(t *testing.T) {
	req := &SocketRequest{RequestId: "1", Operation: int32(OperationPing), Ping: &PingRequest{}}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationPing {
		t.Fatalf("bad decode: %+v", decoded)
	}
}

func TestPublishRequestRoundTrip(t *testing.T) {
	req := &SocketRequest{RequestId: "7", Operation: int32(OperationPublish), Publish: &PublishRequest{Message: &Message{
		Topic: "a/b", Payload: []byte{0, 1, 2}, Retain: true, Qos: 2,
		Properties: []*UserProperty{{Key: "k", Value: "v"}},
	}}}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	m := decoded.Publish.Message
	if m.Topic != "a/b" || !m.Retain || m.Qos != 2 || len(m.Payload) != 3 || len(m.Properties) != 1 || m.Properties[0].Value != "v" {
		t.Fatalf("bad decode: %+v", m)
	}
}

func TestPartitionForRequest(t *testing.T) {
	pub := &SocketRequest{Publish: &PublishRequest{Message: &Message{Topic: "a/b"}}}
	latest := &SocketRequest{Latest: &LatestQuery{Topic: "a/b"}}
	if partitionFor(pub) != partitionFor(latest) {
		t.Fatalf("publish and latest for one topic should share a partition")
	}
	if partitionFor(&SocketRequest{Ping: &PingRequest{}}) != 0 {
		t.Fatalf("requests without a topic go to partition 0")
	}
}
