package payload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// File reads chunk ranges from a file on disk.
// Safe for parallel range reads.
type File struct {
	file *os.File
	size int64
}

// OpenFile opens the file at path as a payload source.
func OpenFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if stat.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &File{file: file, size: stat.Size()}, nil
}

// Size returns the file size captured when the file was opened.
func (f *File) Size() int64 {
	return f.size
}

// ReadRange reads [start, end) into memory so the bytes can be replayed on retries.
func (f *File) ReadRange(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, f.size); err != nil {
		return nil, err
	}

	data := make([]byte, end-start)
	n, err := f.file.ReadAt(data, start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read range [%d, %d): %w", start, end, err)
	}
	if int64(n) != end-start {
		return nil, fmt.Errorf("unexpected end of file at offset %d", start+int64(n))
	}

	return data, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// InfoFromFile builds payload metadata for the file at path. The content type is
// sniffed from the file contents.
func InfoFromFile(path string) (Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat file: %w", err)
	}

	info := Info{
		Name:         filepath.Base(path),
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
	}

	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("detect content type: %w", err)
	}
	info.ContentType = mime.String()

	return info, nil
}
