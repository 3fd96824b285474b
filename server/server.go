// Package server runs the store's protocol engine: a Unix-socket
// listener whose connections all funnel into one owner goroutine. The
// owner goroutine is the only execution context that touches the
// arena, the object table, and the sessions, so none of them need
// locks; connection readers and writers only move bytes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/sync/errgroup"

	"github.com/shmstore/shmstore/arena"
	"github.com/shmstore/shmstore/store"
)

// Options configures a Server.
type Options struct {
	// SocketPath is the Unix socket the store listens on.
	SocketPath string
	// MemoryBytes is the size of the shared arena.
	MemoryBytes int
	// SegmentDir is where the backing file lives; empty picks
	// /dev/shm with a temp-dir fallback.
	SegmentDir string
	// SegmentName names the backing file; empty derives one from the
	// process ID.
	SegmentName string
	// WriteQueueLength bounds the per-connection reply queue. A client
	// that stops reading long enough to fill it is torn down rather
	// than allowed to stall the store.
	WriteQueueLength int
}

const defaultWriteQueueLength = 1024

// Server owns the segment, the arena, the object table, and the
// listening socket for one store process.
type Server struct {
	logger *slog.Logger
	opts   Options

	arena    *arena.Arena
	store    *store.Store
	listener *net.UnixListener

	events chan func()
	done   chan struct{}
	conns  map[*connection]struct{}
}

// New creates the shared segment and starts listening. Run must be
// called to serve.
func New(logger *slog.Logger, opts Options) (*Server, error) {
	if opts.MemoryBytes <= 0 {
		return nil, errors.Newf("invalid arena size %d", opts.MemoryBytes)
	}
	if opts.SegmentDir == "" {
		opts.SegmentDir = arena.DefaultDir()
	}
	if opts.SegmentName == "" {
		opts.SegmentName = fmt.Sprintf("%d", os.Getpid())
	}
	if opts.WriteQueueLength <= 0 {
		opts.WriteQueueLength = defaultWriteQueueLength
	}

	segment, err := arena.CreateSegment(opts.SegmentDir, opts.SegmentName, opts.MemoryBytes)
	if err != nil {
		return nil, err
	}

	// A stale socket from a previous run would fail the bind.
	_ = os.Remove(opts.SocketPath)
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: opts.SocketPath, Net: "unix"})
	if err != nil {
		segment.Close()
		return nil, errors.Wrapf(err, "failed to listen on %s", opts.SocketPath)
	}

	a := arena.New(logger, segment)
	s := &Server{
		logger:   logger,
		opts:     opts,
		arena:    a,
		store:    store.New(logger, a),
		listener: listener,
		events:   make(chan func(), 4096),
		done:     make(chan struct{}),
		conns:    make(map[*connection]struct{}),
	}

	logger.Info("store listening",
		slog.String("socket", opts.SocketPath),
		slog.String("segment", segment.Path()),
		slog.Int("memory", opts.MemoryBytes))

	return s, nil
}

// Store exposes the object table, primarily for tests and stats.
func (s *Server) Store() *store.Store {
	return s.store
}

// Run serves until ctx is cancelled, then tears everything down. The
// segment file is unlinked on the way out; nothing survives a restart.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		s.listener.Close()
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(ctx)
	})
	g.Go(func() error {
		s.ownerLoop(ctx)
		return nil
	})

	err := g.Wait()

	s.logShutdownStats()
	os.Remove(s.opts.SocketPath)
	if closeErr := s.arena.Segment().Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		uc, err := s.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.post(func() {
			s.addConn(uc)
		})
	}
}

// ownerLoop is the single execution context for all state mutation.
// Requests, disconnects, and Get deadlines all arrive as closures; the
// only suspension point is the channel receive.
func (s *Server) ownerLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-ctx.Done():
			for c := range s.conns {
				s.dropConn(c, nil)
			}
			return
		}
	}
}

// post schedules fn on the owner goroutine. Safe to call from any
// goroutine; drops the event when the server is already shutting down.
func (s *Server) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Server) statsJSON() []byte {
	w := jwriter.NewWriter()
	obj := w.Object()
	s.store.WriteJSON(obj)
	obj.End()
	if w.Error() != nil {
		// jwriter only errors on misuse of the streaming API.
		panic(w.Error())
	}
	return w.Bytes()
}

func (s *Server) logShutdownStats() {
	s.logger.Info("store shutting down",
		slog.Int("objects", s.store.ObjectCount()),
		slog.Int("arena_free_bytes", s.arena.FreeBytes()),
		slog.String("stats", string(s.statsJSON())))
}
