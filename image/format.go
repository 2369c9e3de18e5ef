package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Header is the fixed-size header at the start of an image file. It's followed by
// NumBanks BankEntry records. All fields are little endian.
type Header struct {
	Magic    [4]byte
	Version  uint16
	NumBanks uint16
	Entry    uint32
	Reserved uint32
}

// BankEntry locates one bank's code in the image file.
type BankEntry struct {
	Addr   uint32 // bank base code address
	Offset uint32 // file offset of the bank's code
	Size   uint32 // code bytes; the rest of the bank is zero
}

// Bank is a bank's address and code, used to build image files.
type Bank struct {
	Addr CodeAddr
	Code []byte
}

const (
	HeaderSize    = 16
	BankEntrySize = 12
	FormatVersion = 1

	// BankSize is the paging granule.
	BankSize = 1 << offsetBits

	// MaxBanks is the number of distinct banks an image can address.
	MaxBanks = NumGroups * NumIndexes
)

var Magic = [4]byte{'D', 'S', 'P', 'I'}

var ErrFormat = errors.New("image: bad format")

var le = binary.LittleEndian

// ReadHeader reads and validates the header and bank table of the image in s.
func ReadHeader(s Storage) (Header, []BankEntry, error) {
	var hdr Header

	size, err := s.Size()
	if err != nil {
		return hdr, nil, err
	}

	if size < HeaderSize {
		return hdr, nil, fmt.Errorf("%w: %d bytes is too short", ErrFormat, size)
	}

	if err := binary.Read(io.NewSectionReader(s, 0, HeaderSize), le, &hdr); err != nil {
		return hdr, nil, err
	}

	if hdr.Magic != Magic {
		return hdr, nil, fmt.Errorf("%w: magic %q", ErrFormat, hdr.Magic[:])
	}

	if hdr.Version != FormatVersion {
		return hdr, nil, fmt.Errorf("%w: version %d != %d", ErrFormat, hdr.Version, FormatVersion)
	}

	if hdr.NumBanks > MaxBanks {
		return hdr, nil, fmt.Errorf("%w: %d banks > %d", ErrFormat, hdr.NumBanks, MaxBanks)
	}

	if !CodeAddr(hdr.Entry).Valid() {
		return hdr, nil, fmt.Errorf("%w: entry %#x", ErrFormat, hdr.Entry)
	}

	banks := make([]BankEntry, hdr.NumBanks)
	tbl := io.NewSectionReader(s, HeaderSize, int64(len(banks))*BankEntrySize)
	if err := binary.Read(tbl, le, banks); err != nil {
		return hdr, nil, fmt.Errorf("%w: bank table: %w", ErrFormat, err)
	}

	seen := make(map[uint32]bool)
	for i, b := range banks {
		a := CodeAddr(b.Addr)

		switch {
		case !a.Valid() || a.Offset() != 0:
			return hdr, nil, fmt.Errorf("%w: bank %d address %#x", ErrFormat, i, b.Addr)

		case b.Size > BankSize:
			return hdr, nil, fmt.Errorf("%w: bank %d size %d > %d", ErrFormat, i, b.Size, BankSize)

		case int64(b.Offset)+int64(b.Size) > size:
			return hdr, nil, fmt.Errorf("%w: bank %d [%#x, %#x) past end %#x", ErrFormat,
				i, b.Offset, b.Offset+b.Size, size)

		case seen[a.bankKey()]:
			return hdr, nil, fmt.Errorf("%w: bank %d duplicates %v", ErrFormat, i, a)
		}

		seen[a.bankKey()] = true
	}

	return hdr, banks, nil
}

// Build returns an image file with the given entry point and banks.
func Build(entry CodeAddr, banks []Bank) ([]byte, error) {
	if len(banks) > MaxBanks {
		return nil, fmt.Errorf("%w: %d banks > %d", ErrFormat, len(banks), MaxBanks)
	}

	hdr := Header{
		Magic:    Magic,
		Version:  FormatVersion,
		NumBanks: uint16(len(banks)),
		Entry:    uint32(entry),
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, le, &hdr); err != nil {
		return nil, err
	}

	off := uint32(HeaderSize + len(banks)*BankEntrySize)
	for _, b := range banks {
		if len(b.Code) > BankSize {
			return nil, fmt.Errorf("%w: bank %v: %d bytes > %d", ErrFormat, b.Addr, len(b.Code), BankSize)
		}

		e := BankEntry{
			Addr:   uint32(b.Addr.BankBase()),
			Offset: off,
			Size:   uint32(len(b.Code)),
		}

		if err := binary.Write(buf, le, &e); err != nil {
			return nil, err
		}

		off += e.Size
	}

	for _, b := range banks {
		buf.Write(b.Code)
	}

	return buf.Bytes(), nil
}
