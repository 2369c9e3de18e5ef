package image

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/cavaliergopher/cpio"
)

// Provider resolves image names to storage.
type Provider interface {
	Open(name string) (Storage, error)
}

// DirProvider opens images as files in Dir.
type DirProvider struct {
	Dir string
}

// MapProvider serves images from memory.
type MapProvider map[string][]byte

// ArchiveProvider serves images unpacked from a cpio archive.
type ArchiveProvider struct {
	files map[string][]byte
}

// HTTPProvider fetches images relative to BaseURL with range requests.
type HTTPProvider struct {
	BaseURL string
	Client  *http.Client
}

// Open opens the named file in the directory.
func (p DirProvider) Open(name string) (Storage, error) {
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("image name %q escapes %s: %w", name, p.Dir, fs.ErrInvalid)
	}

	f, err := os.Open(filepath.Join(p.Dir, name))
	if err != nil {
		return nil, err
	}

	return &FileStorage{File: f}, nil
}

// Open returns the named image.
func (p MapProvider) Open(name string) (Storage, error) {
	b, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("image %q: %w", name, fs.ErrNotExist)
	}

	return &MemStorage{Bytes: b}, nil
}

// ReadArchive unpacks the regular files of a cpio archive, which may be gzipped.
func ReadArchive(r io.Reader) (*ArchiveProvider, error) {
	br := bufio.NewReader(r)

	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("image archive: %w", err)
		}

		defer zr.Close()
		r = zr
	} else {
		r = br
	}

	p := &ArchiveProvider{files: make(map[string][]byte)}
	cr := cpio.NewReader(r)

	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("image archive: %w", err)
		}

		if hdr.Mode.IsDir() || hdr.Linkname != "" {
			continue
		}

		b, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("image archive: %s: %w", hdr.Name, err)
		}

		p.files[filepath.Clean(hdr.Name)] = b
	}

	return p, nil
}

// WriteArchive writes images as a cpio archive readable by ReadArchive.
func WriteArchive(w io.Writer, images map[string][]byte) error {
	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}

	sort.Strings(names)

	cw := cpio.NewWriter(w)
	for _, name := range names {
		err := cw.WriteHeader(&cpio.Header{
			Name: name,
			Mode: cpio.TypeReg | 0644,
			Size: int64(len(images[name])),
		})

		if err != nil {
			return err
		}

		if _, err := cw.Write(images[name]); err != nil {
			return err
		}
	}

	return cw.Close()
}

// Open returns the named image from the archive.
func (p *ArchiveProvider) Open(name string) (Storage, error) {
	b, ok := p.files[filepath.Clean(name)]
	if !ok {
		return nil, fmt.Errorf("image %q: %w", name, fs.ErrNotExist)
	}

	return &MemStorage{Bytes: b}, nil
}

// Names lists the archive's images.
func (p *ArchiveProvider) Names() []string {
	names := make([]string, 0, len(p.files))
	for name := range p.files {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Open returns range-request storage for the named image.
func (p HTTPProvider) Open(name string) (Storage, error) {
	u, err := url.JoinPath(p.BaseURL, name)
	if err != nil {
		return nil, err
	}

	s := &HTTPStorage{URL: u, Client: p.Client}
	if _, err := s.Size(); err != nil {
		return nil, err
	}

	return s, nil
}
