package image

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
)

// Storage is the backing store of an image.
type Storage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is storage backed by an HTTP URL. The server must answer HEAD requests
// and ranged GET requests. The size is fetched once and cached; an image that changes
// on the server while it's open is not supported.
type HTTPStorage struct {
	URL    string
	Client *http.Client

	once sync.Once
	size int64
	err  error
}

func (ms *MemStorage) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(ms.Bytes).ReadAt(p, off)
}

func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

func (fs *FileStorage) ReadAt(p []byte, off int64) (int, error) {
	return fs.File.ReadAt(p, off)
}

func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (fs *FileStorage) Close() error {
	return fs.File.Close()
}

// ReadAt fetches the bytes at off with a range request. Reads are clipped to the
// image size, so a read at or past the end costs no request.
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (int, error) {
	size, err := hs.Size()
	if err != nil {
		return 0, err
	}

	if off >= size {
		return 0, io.EOF
	}

	want := p
	if rem := size - off; int64(len(want)) > rem {
		want = want[:rem]
	}

	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(want))-1))

	res, err := hs.client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("image: GET %s: %w", hs.URL, err)
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("image: GET %s range %d+%d: status %d", hs.URL, off, len(want), res.StatusCode)
	}

	n, err := io.ReadFull(res.Body, want)
	if err != nil {
		return n, fmt.Errorf("image: GET %s: short body: %w", hs.URL, err)
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Size returns the Content-Length of a HEAD request, made on the first call only.
func (hs *HTTPStorage) Size() (int64, error) {
	hs.once.Do(func() {
		hs.size, hs.err = hs.head()
	})

	return hs.size, hs.err
}

func (hs *HTTPStorage) head() (int64, error) {
	res, err := hs.client().Head(hs.URL)
	if err != nil {
		return 0, fmt.Errorf("image: HEAD %s: %w", hs.URL, err)
	}

	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("image: HEAD %s: status %d", hs.URL, res.StatusCode)
	}

	if res.ContentLength < 0 {
		return 0, fmt.Errorf("image: HEAD %s: no content length", hs.URL)
	}

	return res.ContentLength, nil
}

func (hs *HTTPStorage) client() *http.Client {
	if hs.Client != nil {
		return hs.Client
	}

	return http.DefaultClient
}
