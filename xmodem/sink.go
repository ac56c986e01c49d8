package xmodem

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Sink receives decoded payload bytes on the receiver side. The engine
// owns the sink from StartReceive until the transfer terminates; writes
// are append-only and arrive in whole 128-byte payloads.
//
// TrimPadding is called once, after Close, when the transfer completed:
// the final block of a transfer is padded to BlockSize with SUB, and the
// pad bytes must be removed from the destination.
type Sink interface {
	io.WriteCloser
	TrimPadding() error
}

// FileSink writes received payloads to a file on disk.
type FileSink struct {
	path string
	file *os.File
}

// NewFileSink creates (or truncates) the destination file.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open destination %s", path)
	}
	return &FileSink{path: path, file: file}, nil
}

// Path returns the destination path.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Write(p []byte) (int, error) {
	if s.file == nil {
		return 0, errors.Errorf("sink %s is closed", s.path)
	}
	return s.file.Write(p)
}

func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// TrimPadding removes trailing SUB bytes from the end of the file.
// Only the last BlockSize bytes are scanned: earlier SUB bytes are file
// content, not padding. An empty file is left untouched.
func (s *FileSink) TrimPadding() error {
	file, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "reopen %s for trimming", s.path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", s.path)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	scanStart := size - BlockSize
	if scanStart < 0 {
		scanStart = 0
	}

	tail := make([]byte, size-scanStart)
	if _, err := file.ReadAt(tail, scanStart); err != nil {
		return errors.Wrapf(err, "read tail of %s", s.path)
	}

	end := len(tail)
	for end > 0 && tail[end-1] == SUB {
		end--
	}

	newSize := scanStart + int64(end)
	if newSize == size {
		return nil
	}
	if err := file.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "truncate %s to %d bytes", s.path, newSize)
	}
	return nil
}

// LoadSource reads a source file into memory for sending. XMODEM is a
// stop-and-wait protocol over small blocks; sources are expected to fit
// comfortably in memory.
func LoadSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, Errorf(ErrSourceUnavailable, "cannot stat %s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, Errorf(ErrSourceUnavailable, "%s is not a regular file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Errorf(ErrSourceUnavailable, "cannot read %s: %v", path, err)
	}
	if len(data) == 0 {
		return nil, Errorf(ErrEmptySource, "%s is empty", path)
	}
	return data, nil
}
