package regs

// Command is the upper five bits of a command register write.
type Command uint16

const (
	CmdTotalReset     Command = 0 << 11
	CmdSelectWindow   Command = 1 << 11
	CmdStartCoax      Command = 2 << 11
	CmdRxDisable      Command = 3 << 11
	CmdRxEnable       Command = 4 << 11
	CmdRxReset        Command = 5 << 11
	CmdStall          Command = 6 << 11 // arg: 0 up stall, 1 up unstall, 2 down stall, 3 down unstall
	CmdRxDiscard      Command = 8 << 11
	CmdTxEnable       Command = 9 << 11
	CmdTxDisable      Command = 10 << 11
	CmdTxReset        Command = 11 << 11
	CmdRequestIntr    Command = 12 << 11
	CmdAckIntr        Command = 13 << 11
	CmdSetIntrEnable  Command = 14 << 11
	CmdSetStatusMask  Command = 15 << 11
	CmdSetRxFilter    Command = 16 << 11
	CmdSetTxThreshold Command = 18 << 11
	CmdStartDMA       Command = 20 << 11 // arg: 0 upload, 1 download
	CmdStatsEnable    Command = 21 << 11
	CmdStatsDisable   Command = 22 << 11
	CmdStopCoax       Command = 23 << 11

	CmdArgMask = 0x07ff
)

const (
	StallUp     = 0
	UnstallUp   = 1
	StallDown   = 2
	UnstallDown = 3
)

// Registers visible in every window.
const (
	RegCommand = 0x0e
	RegStatus  = 0x0e

	// Bus master list pointers sit outside the windowed range.
	RegDownListPtr = 0x24
	RegUpListPtr   = 0x38
)

// Status and interrupt mask bits.
const (
	StatusIntLatch       uint16 = 1 << 0
	StatusAdapterFailure uint16 = 1 << 1
	StatusTxComplete     uint16 = 1 << 2
	StatusTxAvailable    uint16 = 1 << 3
	StatusRxComplete     uint16 = 1 << 4
	StatusRxEarly        uint16 = 1 << 5
	StatusIntRequested   uint16 = 1 << 6
	StatusStatsFull      uint16 = 1 << 7
	StatusDMADone        uint16 = 1 << 8
	StatusDownComplete   uint16 = 1 << 9
	StatusUpComplete     uint16 = 1 << 10
	StatusDMAInProgress  uint16 = 1 << 11
	StatusCmdInProgress  uint16 = 1 << 12

	// StatusAckable are the latches CmdAckIntr can clear.
	StatusAckable uint16 = 0x07ff
)

// Receive filter bits for CmdSetRxFilter.
const (
	FilterStation     uint16 = 1 << 0
	FilterMulticast   uint16 = 1 << 1
	FilterBroadcast   uint16 = 1 << 2
	FilterPromiscuous uint16 = 1 << 3
)

// Window 0: configuration memory.
const (
	W0ConfigCtrl    = 0x04
	W0EEPROMCommand = 0x0a
	W0EEPROMData    = 0x0c

	EEPROMRead uint16 = 0x80
	EEPROMBusy uint16 = 0x8000

	// EEPROMWordMask bounds the word address of a read command.
	EEPROMWordMask = 0x3f
)

// Configuration memory word offsets.
const (
	EEPROMStationAddr    = 0x00 // three words, high byte first
	EEPROMProductID      = 0x03
	EEPROMManufacturer   = 0x07
	EEPROMCapabilities   = 0x10
	EEPROMInternalConfig = 0x12

	// ManufacturerID is the value of EEPROMManufacturer on every adapter.
	ManufacturerID uint16 = 0x6d50
)

// Capability and internal configuration word bits.
const (
	EEPROMCapBusMaster  uint16 = 0x0020
	EEPROMCapFullDuplex uint16 = 0x0100

	InternalConfigLargePackets uint16 = 0x0800
)

// Window 1: operating registers.
const (
	W1FIFO     = 0x00
	W1RxStatus = 0x08
	W1TxStatus = 0x0b
	W1TxFree   = 0x0c

	RxStatusIncomplete uint16 = 0x8000
	RxStatusError      uint16 = 0x4000
	RxStatusLenMask    uint16 = 0x07ff

	TxStatusComplete  uint8 = 0x80
	TxStatusJabber    uint8 = 0x20
	TxStatusUnderrun  uint8 = 0x10
	TxStatusMaxColl   uint8 = 0x08
	TxStatusErrorMask uint8 = 0x38
)

// Window 2: station address, one byte per register.
const W2StationAddr = 0x00

// Window 3: internal configuration and MAC control.
const (
	W3InternalConfig = 0x00
	W3MacControl     = 0x06

	MacFullDuplex   uint16 = 0x0020
	MacLargePackets uint16 = 0x0040
	MacFlowControl  uint16 = 0x0100
)

// Window 4: media control and diagnostics.
const (
	W4NetDiag = 0x06
	W4Media   = 0x0a

	MediaSQE        uint16 = 0x0008
	MediaJabber     uint16 = 0x0040
	MediaLinkBeat   uint16 = 0x0080
	MediaLinkDetect uint16 = 0x0800 // read only

	// Media10BaseT enables link beat and jabber guard for twisted pair.
	Media10BaseT = MediaJabber | MediaLinkBeat

	NetDiagStatsEnabled uint16 = 0x0400
	NetDiagRxEnabled    uint16 = 0x0200
	NetDiagTxEnabled    uint16 = 0x0100
)

// Window 6: statistics. Reading a counter clears it.
const (
	W6CarrierLost   = 0x00
	W6SQEErrors     = 0x01
	W6MultipleColls = 0x02
	W6SingleColls   = 0x03
	W6LateColls     = 0x04
	W6RxOverruns    = 0x05
	W6TxFrames      = 0x06
	W6RxFrames      = 0x07
	W6TxDeferrals   = 0x08
	W6RxBytes       = 0x0a
	W6TxBytes       = 0x0c
)
