package ble

// DefaultMaxWriteBytes is the usable payload of a write without response at
// the default ATT MTU of 23 (23 - 3 bytes of ATT header).
const DefaultMaxWriteBytes = 20

// ChunkPayload splits data into pieces of at most maxBytes each, preserving
// order so that concatenating the chunks yields data. Returns nil for empty
// data. A non-positive maxBytes returns data as a single chunk.
func ChunkPayload(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if maxBytes <= 0 || len(data) <= maxBytes {
		return [][]byte{data}
	}

	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := maxBytes
		if len(data) < n {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
