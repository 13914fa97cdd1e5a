package media

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Source is a re-openable input. Name is used for format detection and as
// the key that prevents two ingest loops from reading the same container.
type Source interface {
	Name() string
	Open() (io.ReadSeekCloser, error)
}

// FileSource returns a Source backed by a file on disk.
func FileSource(path string) Source {
	return fileSource(path)
}

type fileSource string

func (s fileSource) Name() string {
	if abs, err := filepath.Abs(string(s)); err == nil {
		return abs
	}
	return string(s)
}

func (s fileSource) Open() (io.ReadSeekCloser, error) {
	return os.Open(string(s))
}

// BytesSource returns a Source over an in-memory container. name should
// carry the container's file extension.
func BytesSource(name string, data []byte) Source {
	return &bytesSource{name: name, data: data}
}

type bytesSource struct {
	name string
	data []byte
}

func (s *bytesSource) Name() string { return s.name }

func (s *bytesSource) Open() (io.ReadSeekCloser, error) {
	return nopSeekCloser{bytes.NewReader(s.data)}, nil
}

type nopSeekCloser struct {
	io.ReadSeeker
}

func (nopSeekCloser) Close() error { return nil }
