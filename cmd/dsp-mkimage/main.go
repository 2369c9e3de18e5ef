// dsp-mkimage builds coprocessor code images and packs them into cpio archives.
//
//	dsp-mkimage image [-type main|sub] [-entry addr] -o out.bin group.index=code.bin ...
//	dsp-mkimage archive [-z] -o images.cpio image.bin ...
//	dsp-mkimage info image.bin|images.cpio ...
package main

import (
	"bytes"
	"compress/gzip"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c35s/dsplink/image"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error

	switch args := os.Args[2:]; os.Args[1] {
	case "image":
		err = mkimage(args)

	case "archive":
		err = mkarchive(args)

	case "info":
		err = info(os.Stdout, args)

	default:
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "dsp-mkimage:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dsp-mkimage image|archive|info [flags] args...")
	os.Exit(2)
}

func mkimage(args []string) error {
	fs := flag.NewFlagSet("image", flag.ExitOnError)

	var (
		out   = fs.String("o", "", "write the image to `file`")
		typ   = fs.String("type", "main", "build a main or sub image")
		entry = fs.String("entry", "", "set the entry code address (default: first bank)")
	)

	fs.Parse(args)

	if *out == "" || fs.NArg() == 0 {
		return fmt.Errorf("image: need -o and at least one bank")
	}

	t, err := parseType(*typ)
	if err != nil {
		return err
	}

	var banks []image.Bank
	for _, arg := range fs.Args() {
		b, err := parseBank(t, arg)
		if err != nil {
			return err
		}

		banks = append(banks, b)
	}

	ep := banks[0].Addr
	if *entry != "" {
		n, err := strconv.ParseUint(*entry, 0, 32)
		if err != nil {
			return fmt.Errorf("image: entry: %w", err)
		}

		ep = image.CodeAddr(n)
		if !ep.Valid() || ep.Type() != t {
			return fmt.Errorf("image: entry %v isn't a %v address", ep, t)
		}
	}

	b, err := image.Build(ep, banks)
	if err != nil {
		return err
	}

	return os.WriteFile(*out, b, 0644)
}

// parseBank parses group.index=path.
func parseBank(t image.Type, arg string) (image.Bank, error) {
	where, path, ok := strings.Cut(arg, "=")
	if !ok {
		return image.Bank{}, fmt.Errorf("bank %q: want group.index=path", arg)
	}

	gs, is, ok := strings.Cut(where, ".")
	if !ok {
		return image.Bank{}, fmt.Errorf("bank %q: want group.index=path", arg)
	}

	g, err := strconv.Atoi(gs)
	if err != nil || g < 0 || g >= image.NumGroups {
		return image.Bank{}, fmt.Errorf("bank %q: group must be in [0, %d)", arg, image.NumGroups)
	}

	i, err := strconv.Atoi(is)
	if err != nil || i < 0 || i >= image.NumIndexes {
		return image.Bank{}, fmt.Errorf("bank %q: index must be in [0, %d)", arg, image.NumIndexes)
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return image.Bank{}, err
	}

	return image.Bank{Addr: image.MakeCodeAddr(t, g, i, 0), Code: code}, nil
}

func parseType(s string) (image.Type, error) {
	for t := image.Type(0); t < image.NumTypes; t++ {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, fmt.Errorf("unknown image type %q", s)
}

func mkarchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)

	var (
		out = fs.String("o", "", "write the archive to `file`")
		zip = fs.Bool("z", false, "gzip the archive")
	)

	fs.Parse(args)

	if *out == "" || fs.NArg() == 0 {
		return fmt.Errorf("archive: need -o and at least one image")
	}

	images := make(map[string][]byte)
	for _, path := range fs.Args() {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		if _, _, err := image.ReadHeader(&image.MemStorage{Bytes: b}); err != nil {
			return fmt.Errorf("archive: %s: %w", path, err)
		}

		images[filepath.Base(path)] = b
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}

	defer f.Close()

	if err := writeArchive(f, images, *zip); err != nil {
		return err
	}

	return f.Close()
}

func writeArchive(w io.Writer, images map[string][]byte, compress bool) error {
	if !compress {
		return image.WriteArchive(w, images)
	}

	zw := gzip.NewWriter(w)
	if err := image.WriteArchive(zw, images); err != nil {
		return err
	}

	return zw.Close()
}

// info prints the header and bank table of each image. Archives list their images.
func info(w io.Writer, args []string) error {
	for _, path := range args {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		if _, _, err := image.ReadHeader(&image.MemStorage{Bytes: b}); err == nil {
			fmt.Fprintf(w, "# %s\n", path)
			if err := printImage(w, image.MapProvider{path: b}, path); err != nil {
				return err
			}

			continue
		}

		ap, err := image.ReadArchive(bytes.NewReader(b))
		if err != nil {
			return fmt.Errorf("%s: neither an image nor an archive: %w", path, err)
		}

		for _, name := range ap.Names() {
			fmt.Fprintf(w, "# %s/%s\n", path, name)
			if err := printImage(w, ap, name); err != nil {
				return err
			}
		}
	}

	return nil
}

func printImage(w io.Writer, p image.Provider, name string) error {
	img, err := image.Open(p, name)
	if err != nil {
		return err
	}

	defer img.Close()

	fmt.Fprintf(w, "size %d entry %v\n", img.Size, img.Entry)
	for _, b := range img.Banks {
		fmt.Fprintf(w, "bank %v offset %#x size %d\n", image.CodeAddr(b.Addr), b.Offset, b.Size)
	}

	return nil
}
