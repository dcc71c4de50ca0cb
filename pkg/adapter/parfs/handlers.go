package parfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/parfs/internal/protocol/message"
	"github.com/marmos91/parfs/internal/sandbox"
	"github.com/marmos91/parfs/pkg/lockregistry"
)

// requestHandler serves one request.
//
// A *requestError is reported to the client as an Error message and the
// session continues. Any other non-nil error means the connection can no
// longer be used and ends the session. On success the handler has already
// written its reply.
type requestHandler func(s *ParfsSession, hdr *message.Header) error

// requestInfo describes a request kind for dispatch.
type requestInfo struct {
	// Name is the request name for logging and metrics.
	Name string

	// Handler processes the request.
	Handler requestHandler
}

// requestDispatchTable maps client request kinds to their handlers.
// Kinds without an entry are answered with an unsupported-request error.
var requestDispatchTable = map[message.Kind]*requestInfo{
	message.KindMkdir: {Name: "MKDIR", Handler: handleMkdir},
	message.KindCd:    {Name: "CD", Handler: handleCd},
	message.KindLs:    {Name: "LS", Handler: handleLs},
	message.KindUp:    {Name: "UP", Handler: handleUp},
	message.KindDown:  {Name: "DOWN", Handler: handleDown},
}

// requestError is a request failure the client is told about.
type requestError struct {
	Message string
	Err     error
}

func (e *requestError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *requestError) Unwrap() error { return e.Err }

// pathFailure converts a sandbox resolution error into a client reply.
func pathFailure(name string, err error) *requestError {
	switch {
	case errors.Is(err, sandbox.ErrOutsideRoot), errors.Is(err, sandbox.ErrInvalidName):
		return &requestError{Message: fmt.Sprintf("Invalid path: %s", name), Err: err}
	case errors.Is(err, sandbox.ErrNotFound):
		return &requestError{Message: fmt.Sprintf("Cannot access %s: no such file or directory", name), Err: err}
	case errors.Is(err, sandbox.ErrNotDirectory):
		return &requestError{Message: fmt.Sprintf("Cannot access %s: not a directory", name), Err: err}
	case errors.Is(err, sandbox.ErrNotRegular):
		return &requestError{Message: fmt.Sprintf("Cannot access %s: not a regular file", name), Err: err}
	default:
		return &requestError{Message: msgGenericError, Err: err}
	}
}

// lockFailure converts a lock registry error into a client reply.
func lockFailure(name string, err error) *requestError {
	if errors.Is(err, lockregistry.ErrPoisoned) {
		return &requestError{Message: fmt.Sprintf("File %s is unavailable after a failed transfer. Please try again!", name), Err: err}
	}
	return &requestError{Message: msgGenericError, Err: err}
}

// handleMkdir creates a directory below the current directory.
func handleMkdir(s *ParfsSession, hdr *message.Header) error {
	name := hdr.Argument

	p, info, err := s.server.root.Child(s.cwd, name)
	if err != nil {
		return pathFailure(name, err)
	}
	if info != nil {
		return &requestError{Message: fmt.Sprintf("Cannot create directory %s: file exists", name), Err: sandbox.ErrExists}
	}

	if err := os.Mkdir(p, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &requestError{Message: fmt.Sprintf("Cannot create directory %s: file exists", name), Err: err}
		}
		return &requestError{Message: msgGenericError, Err: err}
	}

	s.log.Debug("Created directory %s", p)
	return s.replySuccess("")
}

// handleCd changes the current directory. The session state is only
// updated when the target is an existing directory inside home.
func handleCd(s *ParfsSession, hdr *message.Header) error {
	p, err := s.server.root.Dir(s.cwd, hdr.Argument)
	if err != nil {
		return pathFailure(hdr.Argument, err)
	}

	s.cwd = p
	return s.replySuccess(s.server.root.Display(p))
}

// handleLs lists the current directory sorted by name, one entry per line,
// directories suffixed with "/".
func handleLs(s *ParfsSession, _ *message.Header) error {
	entries, err := os.ReadDir(s.cwd)
	if err != nil {
		return &requestError{Message: msgGenericError, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if isDirEntry(s.cwd, e) {
			name += "/"
		}
		names = append(names, name)
	}

	return s.replySuccess(strings.Join(names, "\n"))
}

// isDirEntry reports whether e is a directory, following symlinks.
func isDirEntry(dir string, e fs.DirEntry) bool {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.IsDir()
	}
	info, err := os.Stat(filepath.Join(dir, e.Name()))
	return err == nil && info.IsDir()
}

// handleDown streams a file to the client under a read lock held for the
// whole transfer.
func handleDown(s *ParfsSession, hdr *message.Header) error {
	name := hdr.Argument

	p, err := s.server.root.File(s.cwd, name)
	if err != nil {
		return pathFailure(name, err)
	}

	buf := s.server.getBuffer()
	defer s.server.putBuffer(buf)

	var (
		started bool
		sent    int64
	)
	err = s.server.locks.Guard(p, lockregistry.Read, func(h *lockregistry.Handle) error {
		r, size, err := h.Reader()
		if err != nil {
			return err
		}

		started = true
		if err := message.WriteFile(s.conn, r, uint64(size), *buf, nil); err != nil {
			return err
		}
		sent = size
		return nil
	})

	if err != nil {
		// Once the header is out the stream cannot be reframed.
		if started {
			return fmt.Errorf("send %s: %w", p, err)
		}
		return lockFailure(name, err)
	}

	s.server.metrics.RecordBytesTransferred("down", sent)
	s.log.Debug("Sent %s (%d bytes)", p, sent)
	return nil
}

// handleUp receives a file from the client.
//
// After the destination is validated the server replies Success and waits
// for a File message. Its payload is staged next to the destination under
// a write lock held for the whole transfer and renamed into place once
// complete, so a dropped upload leaves the previous content intact. If the
// payload cannot be stored the rest of it is drained so the stream stays
// framed.
func handleUp(s *ParfsSession, hdr *message.Header) error {
	name := hdr.Argument

	p, info, err := s.server.root.Child(s.cwd, name)
	if err != nil {
		return pathFailure(name, err)
	}
	if info != nil && !info.Mode().IsRegular() {
		return &requestError{Message: fmt.Sprintf("Invalid path: %s", name), Err: sandbox.ErrNotRegular}
	}

	if err := s.replySuccess(""); err != nil {
		return err
	}

	s.armReadDeadline()
	file, err := message.ReadHeader(s.conn)
	if err != nil {
		return fmt.Errorf("read upload of %s: %w", name, err)
	}
	if file.Kind != message.KindFile {
		if err := message.DiscardPayload(s.conn, file.PayloadLength); err != nil {
			return err
		}
		return &requestError{Message: fmt.Sprintf("Expected a file for %s, received %s", name, file.Kind)}
	}

	buf := s.server.getBuffer()
	defer s.server.putBuffer(buf)

	var (
		consumed     uint64
		streamFailed bool
	)
	err = s.server.locks.Guard(p, lockregistry.Write, func(h *lockregistry.Handle) error {
		staged, err := h.Stage()
		if err != nil {
			return err
		}
		defer func() { _ = staged.Abort() }()

		s.clearReadDeadline()
		n, err := message.CopyPayload(staged, s.conn, file.PayloadLength, *buf, nil)
		consumed = n
		if err != nil {
			if !errors.Is(err, message.ErrPayloadWrite) {
				streamFailed = true
			}
			return err
		}
		return staged.Commit()
	})

	if err != nil {
		if streamFailed {
			return fmt.Errorf("receive %s: %w", p, err)
		}
		if derr := message.DiscardPayload(s.conn, file.PayloadLength-consumed); derr != nil {
			return derr
		}
		return lockFailure(name, err)
	}

	s.server.metrics.RecordBytesTransferred("up", int64(consumed))
	s.log.Debug("Stored %s (%d bytes)", p, consumed)
	return s.replySuccess("")
}
