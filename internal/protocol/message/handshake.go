package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PortSize is the byte length of the handshake port value.
const PortSize = 4

// WritePort sends the private session port as a little-endian int32.
//
// This is the only value exchanged outside the message framing; it is sent
// right after the initial accept, before any message.
func WritePort(w io.Writer, port int32) error {
	var buf [PortSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(port))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write session port: %w", err)
	}
	return nil
}

// ReadPort reads the private session port sent by WritePort.
func ReadPort(r io.Reader) (int32, error) {
	var buf [PortSize]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}
