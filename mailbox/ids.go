package mailbox

// Reserved message IDs. IDs from MsgUser up are dispatched to the session's
// registered handler.
const (
	MsgNull            = 0x00
	MsgKick            = 0x01 // host -> dsp: re-check the shared rings
	MsgRequestBootArgs = 0x02 // dsp -> host: reply(channel addr, sub entry)
	MsgStateChanged    = 0x03 // dsp -> host: param1 = state, param2 = flags
	MsgPageMiss        = 0x04 // dsp -> host: param1 = code address
	MsgPageFlush       = 0x05 // dsp -> host: param1 = code address
	MsgRequestUserInfo = 0x06 // host -> dsp: param1 = kind, param2 = arg
	MsgSuspend         = 0x07 // host -> dsp
	MsgResume          = 0x08 // host -> dsp

	MsgUser = 0x100
)

// coprocessor states carried by MsgStateChanged

const (
	StateReady     = 1
	StateSuspended = 2
	StateResumed   = 3
	StateError     = 4
)

// MsgStateChanged flags

const (
	FlagSyncClock = 1 << 0 // bring-up requests clock synchronization
)

// PageBusy is the reply param1 for a page miss whose bank was already mapped.
const PageBusy = 1
