package image_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c35s/dsplink/image"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func testImage(t *testing.T, typ image.Type) []byte {
	t.Helper()

	b, err := image.Build(image.MakeCodeAddr(typ, 0, 0, 0x40), []image.Bank{
		{Addr: image.MakeCodeAddr(typ, 0, 0, 0), Code: bytes.Repeat([]byte{0xaa}, 100)},
		{Addr: image.MakeCodeAddr(typ, 1, 3, 0), Code: bytes.Repeat([]byte{0xbb}, 200)},
	})

	if err != nil {
		t.Fatal(err)
	}

	return b
}

func TestCodeAddr(t *testing.T) {
	a := image.MakeCodeAddr(image.Sub, 2, 9, 0x1234)

	got := []any{a.Type(), a.Group(), a.Index(), a.Offset(), a.Valid()}
	want := []any{image.Sub, 2, 9, uint32(0x1234), true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}

	if a.BankBase().Offset() != 0 || a.BankBase().Index() != 9 {
		t.Errorf("bank base %v", a.BankBase())
	}

	if image.CodeAddr(1 << 24).Valid() {
		t.Error("address with high bits is valid")
	}

	if typ := image.CodeAddr(3 << 22).Type(); typ != 3 {
		t.Errorf("out of range type decoded as %v", typ)
	}
}

func TestFormat(t *testing.T) {
	b := testImage(t, image.Main)

	hdr, banks, err := image.ReadHeader(&image.MemStorage{Bytes: b})
	if err != nil {
		t.Fatal(err)
	}

	if hdr.NumBanks != 2 || image.CodeAddr(hdr.Entry).Offset() != 0x40 {
		t.Errorf("header %+v", hdr)
	}

	want := []image.BankEntry{
		{Addr: uint32(image.MakeCodeAddr(image.Main, 0, 0, 0)), Offset: 40, Size: 100},
		{Addr: uint32(image.MakeCodeAddr(image.Main, 1, 3, 0)), Offset: 140, Size: 200},
	}

	if diff := cmp.Diff(want, banks); diff != "" {
		t.Errorf("bank table mismatch (-want +got):\n%s", diff)
	}

	bad := map[string]func([]byte){
		"magic":   func(b []byte) { b[0] = 'X' },
		"version": func(b []byte) { b[4] = 9 },
		"offset":  func(b []byte) { b[image.HeaderSize+1] = 1 },
		"size":    func(b []byte) { b[image.HeaderSize+10] = 0xff },
		"entry":   func(b []byte) { b[11] = 0xff },
	}

	for name, corrupt := range bad {
		t.Run(name, func(t *testing.T) {
			c := bytes.Clone(b)
			corrupt(c)

			if _, _, err := image.ReadHeader(&image.MemStorage{Bytes: c}); !errors.Is(err, image.ErrFormat) {
				t.Errorf("error isn't ErrFormat: %v", err)
			}
		})
	}

	t.Run("short", func(t *testing.T) {
		if _, _, err := image.ReadHeader(&image.MemStorage{Bytes: b[:8]}); !errors.Is(err, image.ErrFormat) {
			t.Errorf("error isn't ErrFormat: %v", err)
		}
	})
}

func TestOpenAndLoadBank(t *testing.T) {
	p := image.MapProvider{"main.bin": testImage(t, image.Main)}

	img, err := image.Open(p, "main.bin")
	if err != nil {
		t.Fatal(err)
	}

	if img.Origin != "memory" || img.Entry.Offset() != 0x40 {
		t.Errorf("image %+v", img)
	}

	bank := bytes.Repeat([]byte{0xff}, image.BankSize)
	if err := img.LoadBank(image.MakeCodeAddr(image.Main, 1, 3, 0x99), bank); err != nil {
		t.Fatal(err)
	}

	if bank[0] != 0xbb || bank[199] != 0xbb || bank[200] != 0 || bank[image.BankSize-1] != 0 {
		t.Error("bank content or zero fill is wrong")
	}

	if err := img.LoadBank(image.MakeCodeAddr(image.Main, 3, 3, 0), bank); !errors.Is(err, image.ErrNoBank) {
		t.Errorf("error isn't ErrNoBank: %v", err)
	}

	if _, err := image.Open(p, "missing.bin"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error isn't ErrNotExist: %v", err)
	}
}

func TestTable(t *testing.T) {
	var tbl image.Table
	p := image.MapProvider{"main.bin": testImage(t, image.Main)}

	img, err := image.Open(p, "main.bin")
	if err != nil {
		t.Fatal(err)
	}

	if err := tbl.Bind(image.Main, img); err != nil {
		t.Fatal(err)
	}

	if err := tbl.Bind(image.Main, img); !errors.Is(err, unix.EALREADY) {
		t.Errorf("rebind error isn't EALREADY: %v", err)
	}

	if err := tbl.Bind(image.NumTypes, img); !errors.Is(err, image.ErrBadType) {
		t.Errorf("error isn't ErrBadType: %v", err)
	}

	for _, typ := range []image.Type{-1, image.Sub, image.NumTypes, 3} {
		if _, ok := tbl.Get(typ); ok {
			t.Errorf("type %v is bound", typ)
		}
	}

	if got, ok := tbl.Get(image.Main); !ok || got != img {
		t.Error("main isn't bound")
	}

	if err := tbl.Release(image.Main); err != nil {
		t.Fatal(err)
	}

	if _, ok := tbl.Get(image.Main); ok {
		t.Error("main is still bound")
	}
}

func TestDirProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.bin"), testImage(t, image.Main), 0644); err != nil {
		t.Fatal(err)
	}

	img, err := image.Open(image.DirProvider{Dir: dir}, "main.bin")
	if err != nil {
		t.Fatal(err)
	}

	defer img.Close()

	if !strings.HasPrefix(img.Origin, "file:") {
		t.Errorf("origin %q", img.Origin)
	}

	if _, err := (image.DirProvider{Dir: dir}).Open("../etc/passwd"); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("error isn't ErrInvalid: %v", err)
	}
}

func TestArchiveProvider(t *testing.T) {
	images := map[string][]byte{
		"main.bin": testImage(t, image.Main),
		"sub.bin":  testImage(t, image.Sub),
	}

	raw := new(bytes.Buffer)
	if err := image.WriteArchive(raw, images); err != nil {
		t.Fatal(err)
	}

	gz := new(bytes.Buffer)
	zw := gzip.NewWriter(gz)
	zw.Write(raw.Bytes())
	zw.Close()

	for name, archive := range map[string][]byte{"plain": raw.Bytes(), "gzip": gz.Bytes()} {
		t.Run(name, func(t *testing.T) {
			p, err := image.ReadArchive(bytes.NewReader(archive))
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff([]string{"main.bin", "sub.bin"}, p.Names()); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}

			img, err := image.Open(p, "sub.bin")
			if err != nil {
				t.Fatal(err)
			}

			if img.Entry.Type() != image.Sub {
				t.Errorf("entry %v", img.Entry)
			}
		})
	}
}

func TestHTTPProvider(t *testing.T) {
	b := testImage(t, image.Main)

	var heads, gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/main.bin" {
			http.NotFound(w, r)
			return
		}

		if r.Method == http.MethodHead {
			heads.Add(1)
		} else {
			gets.Add(1)
		}

		http.ServeContent(w, r, "main.bin", time.Time{}, bytes.NewReader(b))
	}))

	defer srv.Close()

	p := image.HTTPProvider{BaseURL: srv.URL + "/images"}

	img, err := image.Open(p, "main.bin")
	if err != nil {
		t.Fatal(err)
	}

	bank := make([]byte, image.BankSize)
	if err := img.LoadBank(image.MakeCodeAddr(image.Main, 0, 0, 0), bank); err != nil {
		t.Fatal(err)
	}

	if bank[99] != 0xaa || bank[100] != 0 {
		t.Error("bank content is wrong")
	}

	if n := heads.Load(); n != 1 {
		t.Errorf("%d HEAD requests, want 1", n)
	}

	t.Run("clipped", func(t *testing.T) {
		s := &image.HTTPStorage{URL: srv.URL + "/images/main.bin"}

		tail := make([]byte, 16)
		n, err := s.ReadAt(tail, int64(len(b)-4))
		if n != 4 || !errors.Is(err, io.EOF) {
			t.Errorf("read at end: %d, %v", n, err)
		}

		if !bytes.Equal(tail[:4], b[len(b)-4:]) {
			t.Errorf("tail %x != %x", tail[:4], b[len(b)-4:])
		}

		before := gets.Load()
		if n, err := s.ReadAt(tail, int64(len(b))); n != 0 || !errors.Is(err, io.EOF) {
			t.Errorf("read past end: %d, %v", n, err)
		}

		if gets.Load() != before {
			t.Error("read past end made a request")
		}
	})

	if _, err := image.Open(p, "missing.bin"); err == nil {
		t.Error("no error")
	}
}
