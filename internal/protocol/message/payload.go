package message

import (
	"errors"
	"fmt"
	"io"
)

// DefaultBufferSize is the chunk size used for payload transfers.
const DefaultBufferSize = 1 << 20

// ErrPayloadWrite marks a failure on the destination side of CopyPayload.
// The source stream is still framed: the caller must skip the bytes that
// were not consumed before reading the next message.
var ErrPayloadWrite = errors.New("payload write failed")

// ProgressFunc is called after every chunk with the bytes moved so far.
type ProgressFunc func(done, total uint64)

// CopyPayload moves exactly n bytes from src to dst.
//
// Bytes are moved in chunks of len(buf); the final chunk reads only the
// remainder so nothing past the payload is consumed from src. A nil or
// empty buf falls back to DefaultBufferSize.
//
// Parameters:
//   - dst: destination of the payload bytes
//   - src: stream positioned at the start of the payload
//   - n: payload length from the header
//   - buf: scratch buffer
//   - progress: optional callback, may be nil
//
// Returns:
//   - uint64: bytes consumed from src
//   - error: wraps ErrStreamClosed if src ended early, ErrPayloadWrite if
//     dst failed
func CopyPayload(dst io.Writer, src io.Reader, n uint64, buf []byte, progress ProgressFunc) (uint64, error) {
	if len(buf) == 0 {
		buf = make([]byte, DefaultBufferSize)
	}

	var done uint64
	for done < n {
		chunk := buf
		if remaining := n - done; remaining < uint64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		if err := readFull(src, chunk); err != nil {
			return done, err
		}
		done += uint64(len(chunk))

		if _, err := dst.Write(chunk); err != nil {
			return done, fmt.Errorf("%w: %w", ErrPayloadWrite, err)
		}

		if progress != nil {
			progress(done, n)
		}
	}

	return done, nil
}

// DiscardPayload consumes and drops n bytes from r.
func DiscardPayload(r io.Reader, n uint64) error {
	if n == 0 {
		return nil
	}
	_, err := CopyPayload(io.Discard, r, n, make([]byte, min(n, DefaultBufferSize)), nil)
	return err
}

// WriteFile sends a KindFile message: the header followed by size bytes
// read from src.
func WriteFile(w io.Writer, src io.Reader, size uint64, buf []byte, progress ProgressFunc) error {
	if err := WriteHeader(w, KindFile, "", size); err != nil {
		return err
	}

	if _, err := CopyPayload(w, src, size, buf, progress); err != nil {
		return fmt.Errorf("send file payload: %w", err)
	}
	return nil
}
