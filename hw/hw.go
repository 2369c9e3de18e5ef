// Package hw describes the hardware the link drives: a register window holding the
// mailbox blocks, boot arguments and page table, a shared RAM region, and the control
// lines around the coprocessor.
package hw

import "github.com/c35s/dsplink/shm"

// Hardware is the platform abstraction consumed by the session layer.
type Hardware interface {

	// Registers returns the memory-mapped register window. See the Reg constants.
	Registers() *shm.Region

	// Memory returns the RAM shared with the coprocessor. See the Mem constants.
	Memory() *shm.Region

	// SetClock sets the coprocessor clock rate in Hz.
	SetClock(hz uint32) error

	// RequestMemory grants the coprocessor its exclusive memory regions.
	RequestMemory() error

	// ReleaseMemory revokes the grant made by RequestMemory.
	ReleaseMemory() error

	// SetWait drives the wait signal that stalls the coprocessor's bus.
	SetWait(asserted bool)

	// SetReset drives the coprocessor's reset line. Deasserting it boots the
	// coprocessor from the reset vector.
	SetReset(asserted bool)

	// Interrupt raises the host-to-coprocessor interrupt line.
	Interrupt()

	// Connect installs the handler for the coprocessor-to-host interrupt. The
	// handler runs in interrupt context: calls never overlap.
	Connect(isr func())

	// DisableInterrupts masks host interrupts until restore is called.
	DisableInterrupts() (restore func())

	// Cycles returns the host's free-running cycle counter.
	Cycles() uint32
}

// register window offsets

const (
	RegMailboxOut      = 0x00 // host -> coprocessor mailbox block (16 bytes)
	RegMailboxIn       = 0x10 // coprocessor -> host mailbox block (16 bytes)
	RegResetVector     = 0x20 // MAIN image entry point
	RegBootArgChannel  = 0x24 // command channel address in coprocessor space
	RegBootArgSubEntry = 0x28 // SUB image entry point, 0 if none
	RegBootArgSession  = 0x2c // session uuid
	RegDebug           = 0x30 // NumDebugRegs debug registers written by the coprocessor
	RegPageTable       = 0x40 // NumPageSlots page table entries

	RegWindowSize = 0x80
)

const (
	NumDebugRegs = 4
	NumPageSlots = 4

	// BankSize is the paging granule.
	BankSize = 64 << 10
)

// shared memory offsets

const (
	MemCommandChannel     = 0x00000
	MemCommandChannelSize = 0x01000
	MemClockSync          = 0x01000
	MemClockSyncSize      = 0x00040
	MemBanks              = 0x10000 // NumPageSlots physical bank slots of BankSize
	MemArena              = MemBanks + NumPageSlots*BankSize
	MemArenaSize          = 0x30000

	MemSize = MemArena + MemArenaSize
)

// PageTableReg returns the register offset of page table slot i.
func PageTableReg(i int) int {
	return RegPageTable + 4*i
}

// DebugReg returns the register offset of debug register i.
func DebugReg(i int) int {
	return RegDebug + 4*i
}

// BankSlot returns the shared memory offset of physical bank slot i.
func BankSlot(i int) int {
	return MemBanks + i*BankSize
}
