package fileio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// StreamState is the lifecycle state of a stream.
type StreamState int32

const (
	// StreamOpen means no transfer has happened yet.
	StreamOpen StreamState = iota
	// StreamActive means at least one transfer call was made.
	StreamActive
	// StreamClosed is terminal.
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamActive:
		return "active"
	default:
		return "closed"
	}
}

// stream holds the state shared by input and output streams. Transfer calls
// on one stream must not run concurrently; Close may be called from any
// goroutine.
type stream struct {
	ctx    context.Context
	uri    string
	op     string
	closer io.Closer

	mu     sync.Mutex
	state  StreamState
	total  int64
	closed bool
	cerr   error
}

func (s *stream) begin() error {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return &PathError{Op: s.op, Path: s.uri, Err: ErrClosed}
	}
	s.mu.Unlock()

	if s.ctx != nil && s.ctx.Err() != nil {
		s.Close()
		return &PathError{Op: s.op, Path: s.uri, Err: ErrCancelled}
	}

	s.mu.Lock()
	if s.state == StreamOpen {
		s.state = StreamActive
	}
	s.mu.Unlock()
	return nil
}

func (s *stream) done(n int) {
	s.mu.Lock()
	s.total += int64(n)
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesTransferred returns the number of bytes moved so far.
func (s *stream) BytesTransferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// URI returns the URI of the file the stream is bound to.
func (s *stream) URI() string { return s.uri }

// Close releases the underlying resource. It is safe to call more than
// once; later calls return the result of the first.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.cerr
	}
	s.closed = true
	s.state = StreamClosed
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.cerr = FromOSError(s.op, s.uri, err)
		}
	}
	return s.cerr
}

func (s *stream) wrap(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return FromOSError(s.op, s.uri, err)
}

// InputStream is a sequential reader bound to one file and one context.
// A Read that observes a cancelled context fails with ErrCancelled and
// closes the stream. Every Read returns the exact number of bytes placed
// in p, including when it also returns an error.
type InputStream struct {
	stream
	r io.Reader
}

// NewInputStream wraps rc. Backends call it from OpenRead.
func NewInputStream(ctx context.Context, uri string, rc io.ReadCloser) *InputStream {
	return &InputStream{
		stream: stream{ctx: ctx, uri: uri, op: "read", closer: rc},
		r:      rc,
	}
}

// Read implements io.Reader.
func (s *InputStream) Read(p []byte) (int, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	n, err := s.r.Read(p)
	s.done(n)
	return n, s.wrap(err)
}

// Skip discards up to n bytes and returns how many were skipped.
func (s *InputStream) Skip(n int64) (int64, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	skipped, err := io.CopyN(io.Discard, s.r, n)
	s.done(int(skipped))
	return skipped, s.wrap(err)
}

// OutputStream is a sequential writer bound to one file and one context.
// Data is durable only after Close returns nil.
type OutputStream struct {
	stream
	w io.Writer
}

// NewOutputStream wraps wc. Backends call it from OpenWrite; wc.Close must
// commit the written data.
func NewOutputStream(ctx context.Context, uri string, wc io.WriteCloser) *OutputStream {
	return &OutputStream{
		stream: stream{ctx: ctx, uri: uri, op: "write", closer: wc},
		w:      wc,
	}
}

// Write implements io.Writer.
func (s *OutputStream) Write(p []byte) (int, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	n, err := s.w.Write(p)
	s.done(n)
	return n, s.wrap(err)
}

// Flush flushes buffered data if the underlying writer supports it.
func (s *OutputStream) Flush() error {
	if err := s.begin(); err != nil {
		return err
	}
	type flusher interface{ Flush() error }
	if f, ok := s.w.(flusher); ok {
		return s.wrap(f.Flush())
	}
	type syncer interface{ Sync() error }
	if f, ok := s.w.(syncer); ok {
		return s.wrap(f.Sync())
	}
	return nil
}

// Abort closes the stream without committing. Backends that stage writes
// discard the staged data; for the others Abort is the same as Close.
func (s *OutputStream) Abort() error {
	type aborter interface{ Abort() error }
	a, ok := s.w.(aborter)
	if !ok {
		return s.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.cerr
	}
	s.closed = true
	s.state = StreamClosed
	if err := a.Abort(); err != nil {
		s.cerr = FromOSError(s.op, s.uri, err)
	}
	return s.cerr
}

// ReadAll reads f completely. Use for small files only.
func ReadAll(ctx context.Context, f File) ([]byte, error) {
	in, err := OpenRead(ctx, f)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return io.ReadAll(in)
}

// WriteAll replaces f's content with data.
func WriteAll(ctx context.Context, f File, data []byte) error {
	out, err := OpenWrite(ctx, f, WriteReplace)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
