package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures detected on the client side.
type ErrorKind int

const (
	// KindNotConnected means no session is established or it was lost.
	KindNotConnected ErrorKind = iota + 1
	// KindInvalidAddress means the server address is not host:port.
	KindInvalidAddress
	// KindDestination means a local download destination is unusable.
	KindDestination
	// KindLocalFile means a local upload source is missing or not a file.
	KindLocalFile
	// KindProtocol means the server sent an unexpected message.
	KindProtocol
	// KindIO means the connection failed during a request.
	KindIO
	// KindWrite means a downloaded file could not be stored locally.
	KindWrite
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindInvalidAddress:
		return "invalid address"
	case KindDestination:
		return "invalid destination"
	case KindLocalFile:
		return "local file"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindWrite:
		return "local write"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ClientError is a failure detected locally, never reported by the server.
//
// Match kinds with errors.Is against the Err* sentinels.
type ClientError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// Sentinels for errors.Is.
var (
	ErrNotConnected   = &ClientError{Kind: KindNotConnected}
	ErrInvalidAddress = &ClientError{Kind: KindInvalidAddress}
	ErrDestination    = &ClientError{Kind: KindDestination}
	ErrLocalFile      = &ClientError{Kind: KindLocalFile}
	ErrProtocol       = &ClientError{Kind: KindProtocol}
	ErrIO             = &ClientError{Kind: KindIO}
	ErrWrite          = &ClientError{Kind: KindWrite}
)

func (e *ClientError) Error() string {
	var msg string
	switch e.Kind {
	case KindNotConnected:
		msg = "Error: Connection has not been successfully established."
	case KindInvalidAddress:
		msg = fmt.Sprintf("Error: Socket address is invalid: %s", e.Detail)
	case KindDestination:
		msg = fmt.Sprintf("Invalid path: %s", e.Detail)
	case KindLocalFile:
		msg = fmt.Sprintf("Error: Cannot access %s: no such file", e.Detail)
	case KindProtocol:
		msg = "Error: No valid message was received from server."
	case KindIO:
		msg = "Error: There was an error processing the command. Please try again!"
	case KindWrite:
		msg = fmt.Sprintf("Error: There was an issue writing %s to the local machine.", e.Detail)
	default:
		msg = "Error: " + e.Kind.String()
	}

	if e.Err != nil {
		return msg + " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// Is matches any ClientError of the same kind.
func (e *ClientError) Is(target error) bool {
	var t *ClientError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// RemoteError is an Error reply sent by the server.
type RemoteError struct {
	// Op is the command that failed, e.g. "cd".
	Op string

	// Message is the server's error text.
	Message string
}

func (e *RemoteError) Error() string {
	return "Error: " + e.Message
}

// Dropped reports whether the server announced it is disconnecting the
// client.
func (e *RemoteError) Dropped() bool {
	return e.Message == ServerDroppedMessage
}

// ServerDroppedMessage is the text the server sends before it disconnects
// a client on its own initiative.
const ServerDroppedMessage = "The server has been dropped, and you are now disconnected."
