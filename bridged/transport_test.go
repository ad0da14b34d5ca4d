package main

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func TestFrameConn_RoundTrip(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewFrameConn(a), NewFrameConn(b)
	defer left.Close()
	defer right.Close()

	payload := []byte(`{"messageId":"m-1","version":1}`)
	go func() {
		if err := left.WriteFrame(payload); err != nil {
			t.Errorf("WriteFrame failed: %v", err)
		}
	}()

	got, err := right.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Frame mismatch: %s", got)
	}
}

func TestFrameConn_RejectsOversizeFrame(t *testing.T) {
	a, b := net.Pipe()
	right := NewFrameConn(b)
	defer a.Close()
	defer right.Close()

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
		a.Write(header[:])
	}()

	if _, err := right.ReadFrame(); err == nil {
		t.Error("Expected oversize frame to be rejected")
	}
}

func TestFrameConn_WriteRejectsOversizeFrame(t *testing.T) {
	a, b := net.Pipe()
	left := NewFrameConn(a)
	defer left.Close()
	defer b.Close()

	if err := left.WriteFrame(make([]byte, maxFrameSize+1)); err == nil {
		t.Error("Expected oversize write to be rejected")
	}
}
