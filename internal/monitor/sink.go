package monitor

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const followInterval = 50 * time.Millisecond

// Sink captures the monitor's console. The monitor writes straight into the
// log file; a follower tails it to an optional echo writer and notices the
// first byte of guest output.
//
// Close drains everything the monitor wrote before closing, so callers that
// Close after the process has exited never lose the end of the log.
type Sink struct {
	path string
	file *os.File
	echo io.Writer

	first     chan struct{}
	firstOnce sync.Once
	written   atomic.Int64

	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
}

// OpenSink truncates (or creates) path and starts following it.
func OpenSink(path string, echo io.Writer) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	reader, err := os.Open(path)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	s := &Sink{
		path:  path,
		file:  file,
		echo:  echo,
		first: make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.follow(reader)

	return s, nil
}

// Path returns the log file location
func (s *Sink) Path() string {
	return s.path
}

// File returns the write end handed to the monitor process.
func (s *Sink) File() *os.File {
	return s.file
}

// FirstOutput is closed once any console output has been captured.
func (s *Sink) FirstOutput() <-chan struct{} {
	return s.first
}

// Written returns the number of console bytes captured so far.
func (s *Sink) Written() int64 {
	return s.written.Load()
}

func (s *Sink) follow(r *os.File) {
	defer close(s.done)
	defer r.Close()

	buf := make([]byte, 32*1024)
	draining := false
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.consume(buf[:n])
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return
		}
		if draining {
			return
		}

		select {
		case <-s.stop:
			draining = true
		case <-time.After(followInterval):
		}
	}
}

func (s *Sink) consume(p []byte) {
	s.written.Add(int64(len(p)))
	s.firstOnce.Do(func() { close(s.first) })
	if s.echo != nil {
		_, _ = s.echo.Write(p)
	}
}

// Close drains the remaining output and closes the log. Safe to call more
// than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closeErr
	}
	s.closed = true

	close(s.stop)
	<-s.done
	s.closeErr = s.file.Close()

	return s.closeErr
}
