package image

import "fmt"

// CodeAddr is an instruction address in the coprocessor's paged code space.
//
//	bits  0-15  offset within the 64K bank
//	bits 16-19  bank index within the group
//	bits 20-21  bank group (page table slot)
//	bits 22-23  image type
//	bits 24-31  must be zero
type CodeAddr uint32

const (
	offsetBits = 16
	indexBits  = 4
	groupBits  = 2
	typeBits   = 2

	indexShift = offsetBits
	groupShift = indexShift + indexBits
	typeShift  = groupShift + groupBits
	addrBits   = typeShift + typeBits

	OffsetMask = 1<<offsetBits - 1

	// NumGroups is the number of bank groups, one per page table slot.
	NumGroups = 1 << groupBits

	// NumIndexes is the number of banks in a group.
	NumIndexes = 1 << indexBits
)

// MakeCodeAddr packs a code address.
func MakeCodeAddr(typ Type, group, index int, offset uint32) CodeAddr {
	return CodeAddr(uint32(typ)<<typeShift |
		uint32(group)<<groupShift |
		uint32(index)<<indexShift |
		offset&OffsetMask)
}

// Valid reports whether the reserved high bits are clear.
func (a CodeAddr) Valid() bool {
	return a>>addrBits == 0
}

// Type returns the image type bits. The result may be out of range.
func (a CodeAddr) Type() Type {
	return Type(a >> typeShift & (1<<typeBits - 1))
}

// Group returns the bank group.
func (a CodeAddr) Group() int {
	return int(a >> groupShift & (1<<groupBits - 1))
}

// Index returns the bank index within the group.
func (a CodeAddr) Index() int {
	return int(a >> indexShift & (1<<indexBits - 1))
}

// Offset returns the offset within the bank.
func (a CodeAddr) Offset() uint32 {
	return uint32(a) & OffsetMask
}

// BankBase returns the address with the offset bits cleared.
func (a CodeAddr) BankBase() CodeAddr {
	return a &^ OffsetMask
}

// bankKey identifies a bank within one image, ignoring the type bits.
func (a CodeAddr) bankKey() uint32 {
	return uint32(a) >> indexShift & (1<<(indexBits+groupBits) - 1)
}

func (a CodeAddr) String() string {
	return fmt.Sprintf("%#08x(type=%d group=%d index=%d off=%#x)",
		uint32(a), a.Type(), a.Group(), a.Index(), a.Offset())
}
