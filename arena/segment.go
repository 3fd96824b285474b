package arena

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Segment is a filesystem-backed shared memory region. The store
// process creates and owns the backing file for its whole run; client
// processes map the same region from the descriptor they are handed
// over the socket. The file is unlinked when the owning segment is
// closed, so nothing persists across store restarts.
type Segment struct {
	file  *os.File
	data  []byte
	path  string
	owner bool
}

// DefaultDir returns the preferred directory for segment files:
// /dev/shm when present, the system temp directory otherwise.
func DefaultDir() string {
	info, err := os.Stat("/dev/shm")
	if err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// CreateSegment creates the backing file with exclusive access, sizes
// it, and maps it read-write.
func CreateSegment(dir, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid segment size %d", size)
	}

	path := filepath.Join(dir, "shmstore-"+name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create segment file %s", path)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, errors.Wrap(err, "failed to size segment file")
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, errors.Wrap(err, "failed to mmap segment")
	}

	return &Segment{
		file:  file,
		data:  data,
		path:  path,
		owner: true,
	}, nil
}

// MapSegment maps an already-created segment from a descriptor received
// over the socket. The caller keeps ownership of fd; the segment dups
// it so Close on either side is independent.
func MapSegment(fd int, size int) (*Segment, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid segment size %d", size)
	}

	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dup segment fd")
	}

	data, err := unix.Mmap(dupFd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(dupFd)
		return nil, errors.Wrap(err, "failed to mmap segment")
	}

	return &Segment{
		file: os.NewFile(uintptr(dupFd), "shmstore-segment"),
		data: data,
	}, nil
}

// Grow resizes the backing file and remaps the region. Existing byte
// ranges keep their offsets; the caller must guarantee that no raw
// pointers into the old mapping are live, since the mapping address
// may change.
func (s *Segment) Grow(newSize int) error {
	if newSize <= len(s.data) {
		return errors.Newf("segment grow to %d would not grow past %d", newSize, len(s.data))
	}

	if s.owner {
		if err := s.file.Truncate(int64(newSize)); err != nil {
			return errors.Wrap(err, "failed to grow segment file")
		}
	}

	if err := unix.Munmap(s.data); err != nil {
		return errors.Wrap(err, "failed to unmap segment for growth")
	}
	s.data = nil

	data, err := unix.Mmap(int(s.file.Fd()), 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "failed to remap grown segment")
	}
	s.data = data

	return nil
}

// Bytes returns the mapped region.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() int {
	return len(s.data)
}

// Fd returns the descriptor for handoff to clients.
func (s *Segment) Fd() int {
	return int(s.file.Fd())
}

// Path returns the backing file path, empty for mapped (client-side)
// segments.
func (s *Segment) Path() string {
	return s.path
}

// Close unmaps the region, closes the file, and unlinks the backing
// file if this segment created it.
func (s *Segment) Close() error {
	var firstErr error

	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "failed to unmap segment")
		}
		s.data = nil
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}

	if s.owner && s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
