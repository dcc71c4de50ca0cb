// Package message implements the parfs wire format.
//
// Every message starts with a fixed 13-byte header:
//
//	+----------------+------+------------+----------+---------+
//	| total_size u64 | kind | arg_len u32| argument | payload |
//	+----------------+------+------------+----------+---------+
//
// All header integers are big-endian. total_size counts the header, the
// argument and the payload, so the payload length is derived as
// total_size - 13 - arg_len. The argument is UTF-8 text whose meaning
// depends on the kind; the payload is raw bytes and is only non-empty for
// KindFile.
//
// The port number exchanged during the connection handshake is the one
// value outside this framing (see WritePort and ReadPort).
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// HeaderSize is the byte length of the fixed header.
	HeaderSize = 13

	// MaxArgumentSize bounds the argument read into memory for a single message.
	MaxArgumentSize = 16 << 20
)

var (
	// ErrUnknownKind is returned when the kind tag is not a defined Kind.
	// The stream can no longer be framed and must be closed.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrMalformedHeader is returned when header fields are inconsistent.
	ErrMalformedHeader = errors.New("malformed message header")

	// ErrArgumentTooLarge is returned by the encoder for oversize arguments.
	ErrArgumentTooLarge = errors.New("message argument too large")

	// ErrStreamClosed marks an end of stream before a complete value was read.
	// Errors carrying it also match io.EOF or io.ErrUnexpectedEOF.
	ErrStreamClosed = errors.New("stream closed")
)

// Header is a decoded message header with its argument.
type Header struct {
	Kind          Kind
	Argument      string
	PayloadLength uint64
}

// TotalSize returns the total_size field for h.
func (h *Header) TotalSize() uint64 {
	return HeaderSize + uint64(len(h.Argument)) + h.PayloadLength
}

func (h *Header) String() string {
	return fmt.Sprintf("%s(arg=%q payload=%d)", h.Kind, h.Argument, h.PayloadLength)
}

// Encode serializes a header and its argument.
//
// The payload itself is not part of the result; callers write exactly
// payloadLength bytes after it.
//
// Parameters:
//   - kind: message tag, must be a defined Kind
//   - argument: UTF-8 argument text
//   - payloadLength: number of raw bytes that will follow
//
// Returns:
//   - []byte: header followed by the argument bytes
//   - error: ErrUnknownKind or ErrArgumentTooLarge
func Encode(kind Kind, argument string, payloadLength uint64) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if len(argument) > MaxArgumentSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrArgumentTooLarge, len(argument))
	}

	buf := make([]byte, HeaderSize+len(argument))
	total := uint64(HeaderSize) + uint64(len(argument)) + payloadLength
	binary.BigEndian.PutUint64(buf[0:8], total)
	buf[8] = byte(kind)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(argument)))
	copy(buf[HeaderSize:], argument)

	return buf, nil
}

// WriteHeader encodes a header and writes it to w in a single call.
func WriteHeader(w io.Writer, kind Kind, argument string, payloadLength uint64) error {
	buf, err := Encode(kind, argument, payloadLength)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s header: %w", kind, err)
	}
	return nil
}

// WriteMessage writes a message without payload.
func WriteMessage(w io.Writer, kind Kind, argument string) error {
	return WriteHeader(w, kind, argument, 0)
}

// ReadHeader reads one header and its argument from r.
//
// Exactly two reads are issued: the fixed header, then the argument sized
// from it. The payload, if any, is left unread in r.
//
// Returns:
//   - *Header: decoded kind, argument and payload length
//   - error: wraps ErrStreamClosed when r ends before the argument is
//     complete, ErrUnknownKind for undefined tags, ErrMalformedHeader
//     for inconsistent sizes or invalid UTF-8. Other I/O errors are
//     returned wrapped as is.
func ReadHeader(r io.Reader) (*Header, error) {
	var fixed [HeaderSize]byte
	if err := readFull(r, fixed[:]); err != nil {
		return nil, err
	}

	total := binary.BigEndian.Uint64(fixed[0:8])
	kind := Kind(fixed[8])
	argLen := binary.BigEndian.Uint32(fixed[9:13])

	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if argLen > MaxArgumentSize {
		return nil, fmt.Errorf("%w: argument length %d exceeds %d", ErrMalformedHeader, argLen, MaxArgumentSize)
	}
	if total < uint64(HeaderSize)+uint64(argLen) {
		return nil, fmt.Errorf("%w: total size %d smaller than header and argument (%d)",
			ErrMalformedHeader, total, HeaderSize+uint64(argLen))
	}

	arg := make([]byte, argLen)
	if err := readFull(r, arg); err != nil {
		return nil, err
	}
	if !utf8.Valid(arg) {
		return nil, fmt.Errorf("%w: argument is not valid UTF-8", ErrMalformedHeader)
	}

	return &Header{
		Kind:          kind,
		Argument:      string(arg),
		PayloadLength: total - HeaderSize - uint64(argLen),
	}, nil
}

// IsStreamClosed reports whether err means the peer went away.
func IsStreamClosed(err error) bool {
	return errors.Is(err, ErrStreamClosed)
}

func readFull(r io.Reader, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
		return fmt.Errorf("read message: %w", err)
	}
	return nil
}
