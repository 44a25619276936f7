package runtime

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frames on the runtime socket are uint32_be length || body. A zero-length
// body is legal on the wire; the parser rejects it as invalid JSON.

// DefaultChunkSize bounds a single read from the stream.
const DefaultChunkSize = 64 * 1024

// ReadMessage reads one length-prefixed frame. Reads loop over chunkSize
// until the full body arrives; a stream that closes early is a connection
// error.
func ReadMessage(r io.Reader, chunkSize int) ([]byte, error) {
	var lengthBuf [4]byte
	if err := readExact(r, lengthBuf[:], chunkSize); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	body := make([]byte, length)
	if err := readExact(r, body, chunkSize); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// WriteMessage writes one frame as a single write so the peer never observes
// a partial length prefix.
func WriteMessage(w io.Writer, body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func readExact(r io.Reader, buf []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := 0
	for total < len(buf) {
		end := total + chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		n, err := r.Read(buf[total:end])
		total += n
		if total == len(buf) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("connection closed after %d/%d bytes: %w", total, len(buf), err)
		}
	}
	return nil
}
