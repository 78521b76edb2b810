package ble

import (
	"bytes"
	"testing"
)

const testMaxBytes = 8

func TestChunkPayloadFitsInOne(t *testing.T) {
	chunks := ChunkPayload([]byte("hello"), testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if string(chunks[0]) != "hello" {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], "hello")
	}
}

func TestChunkPayloadEmpty(t *testing.T) {
	if chunks := ChunkPayload(nil, testMaxBytes); len(chunks) != 0 {
		t.Errorf("got %d chunks for empty payload, want 0", len(chunks))
	}
}

func TestChunkPayloadSplitsAndReassembles(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 7) // 21 bytes
	chunks := ChunkPayload(data, testMaxBytes)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testMaxBytes {
			t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), testMaxBytes)
		}
	}
	if got := bytes.Join(chunks, nil); !bytes.Equal(got, data) {
		t.Errorf("reassembled = %x, want %x", got, data)
	}
}

func TestChunkPayloadNonPositiveMax(t *testing.T) {
	chunks := ChunkPayload([]byte{1, 2, 3}, 0)
	if len(chunks) != 1 || len(chunks[0]) != 3 {
		t.Errorf("ChunkPayload(max=0) = %v, want single chunk", chunks)
	}
}
