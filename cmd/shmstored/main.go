// Command shmstored runs a shared-memory object store. Clients on the
// same machine connect over the Unix socket and exchange object
// payloads through the mapped segment without copying.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shmstore/shmstore/server"
)

func main() {
	var (
		socketPath  = flag.String("socket", "/tmp/shmstore.sock", "Unix socket to listen on")
		memoryBytes = flag.Int("memory", 1<<30, "size of the shared memory arena in bytes")
		segmentDir  = flag.String("segment-dir", "", "directory for the segment file (default /dev/shm)")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *socketPath, *memoryBytes, *segmentDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, socketPath string, memoryBytes int, segmentDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(logger, server.Options{
		SocketPath:  socketPath,
		MemoryBytes: memoryBytes,
		SegmentDir:  segmentDir,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
