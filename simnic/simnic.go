// Package simnic is a software model of an EtherLink adapter. It implements
// regs.Bus so drivers can run unmodified against it, and masters the
// simulated bus through a dma.HostMemory when bus mastering is used.
package simnic

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/regs"
)

const (
	DefaultFIFOSize    = 8192
	ISAFIFOSize        = 2048
	DefaultRxQueue     = 32
	DefaultResetDelay  = 2
	DefaultEEPROMDelay = 1

	// ioSize is the decoded I/O range. Accesses outside float.
	ioSize = 0x40

	stat8Full  = 0xc0
	stat16Full = 0xc000
)

var broadcast = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type Config struct {
	Base uint16

	ProductID      uint16
	Station        [6]byte
	Capabilities   uint16
	InternalConfig uint16

	// AutoLoadStation copies the configuration memory station address into
	// the window 2 registers on reset, as the PCI boards do.
	AutoLoadStation bool

	// Loopback feeds every transmitted frame back into the receiver.
	Loopback bool

	// NoLink keeps the link beat detector quiet.
	NoLink bool

	// FIFOSize defaults to ISAFIFOSize for the 3C509 family and to
	// DefaultFIFOSize otherwise.
	FIFOSize int
	RxQueue  int

	// ResetDelay and EEPROMDelay are the number of status polls an
	// operation stays busy for.
	ResetDelay  int
	EEPROMDelay int

	// Memory is the host memory reached by bus master transfers.
	Memory *dma.HostMemory

	L logrus.FieldLogger
}

// Event is one command register write.
type Event struct {
	Cmd regs.Command
	Arg uint16
}

type Adapter struct {
	mu  sync.Mutex
	cfg Config

	eeprom     [64]uint16
	eepromCmd  uint16
	eepromData uint16
	eepromBusy int

	window uint8
	file   [8][16]byte

	status     uint16
	intMask    uint16
	statusMask uint16
	filter     uint16
	rxOn       bool
	txOn       bool
	statsOn    bool
	resetting  int

	tx       []byte
	txStatus []uint8
	rx       [][]byte
	rxPos    int

	dnList uint32
	upList uint32

	stats [16]uint32

	sent    [][]byte
	history []Event

	resetStuck bool
	dmaStuck   bool
}

var _ regs.Bus = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.FIFOSize <= 0 {
		cfg.FIFOSize = DefaultFIFOSize
		if cfg.ProductID&0xf0ff == 0x5090 {
			cfg.FIFOSize = ISAFIFOSize
		}
	}
	if cfg.RxQueue <= 0 {
		cfg.RxQueue = DefaultRxQueue
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = DefaultResetDelay
	}
	if cfg.EEPROMDelay <= 0 {
		cfg.EEPROMDelay = DefaultEEPROMDelay
	}
	if cfg.L == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.L = l
	}

	a := &Adapter{cfg: cfg}
	for i := 0; i < 3; i++ {
		a.eeprom[regs.EEPROMStationAddr+i] = uint16(cfg.Station[i*2])<<8 | uint16(cfg.Station[i*2+1])
	}
	a.eeprom[regs.EEPROMProductID] = cfg.ProductID
	a.eeprom[regs.EEPROMManufacturer] = regs.ManufacturerID
	a.eeprom[regs.EEPROMCapabilities] = cfg.Capabilities
	a.eeprom[regs.EEPROMInternalConfig] = cfg.InternalConfig

	a.reset()
	a.resetting = 0
	return a
}

func (a *Adapter) In8(port uint16) uint8   { return uint8(a.in(port, 1)) }
func (a *Adapter) In16(port uint16) uint16 { return uint16(a.in(port, 2)) }
func (a *Adapter) In32(port uint16) uint32 { return a.in(port, 4) }

func (a *Adapter) Out8(port uint16, v uint8)   { a.out(port, 1, uint32(v)) }
func (a *Adapter) Out16(port uint16, v uint16) { a.out(port, 2, uint32(v)) }
func (a *Adapter) Out32(port uint16, v uint32) { a.out(port, 4, v) }

func widthMask(width int) uint32 {
	return uint32(1)<<(width*8) - 1
}

func (a *Adapter) in(port uint16, width int) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.cfg.Base || port-a.cfg.Base >= ioSize {
		return widthMask(width)
	}
	off := port - a.cfg.Base

	switch off {
	case regs.RegStatus:
		return uint32(a.readStatus())
	case regs.RegDownListPtr:
		return a.dnList
	case regs.RegUpListPtr:
		return a.upList
	}
	if off > regs.RegStatus {
		return 0
	}

	switch a.window {
	case 0:
		switch off {
		case regs.W0EEPROMCommand:
			if a.eepromBusy > 0 {
				a.eepromBusy--
				return uint32(a.eepromCmd | regs.EEPROMBusy)
			}
			return uint32(a.eepromCmd)
		case regs.W0EEPROMData:
			return uint32(a.eepromData)
		}

	case 1:
		switch off {
		case regs.W1FIFO:
			return a.readFIFO(width)
		case regs.W1RxStatus:
			if len(a.rx) == 0 {
				return uint32(regs.RxStatusIncomplete)
			}
			return uint32(len(a.rx[0])) & uint32(regs.RxStatusLenMask)
		case regs.W1TxStatus:
			if len(a.txStatus) == 0 {
				return 0
			}
			return uint32(a.txStatus[0])
		case regs.W1TxFree:
			return uint32(a.cfg.FIFOSize-len(a.tx)) & widthMask(width)
		}

	case 4:
		switch off {
		case regs.W4NetDiag:
			return uint32(a.netDiag())
		case regs.W4Media:
			v := a.plain(off, width)
			if v&uint32(regs.MediaLinkBeat) != 0 && !a.cfg.NoLink {
				v |= uint32(regs.MediaLinkDetect)
			}
			return v
		}

	case 6:
		v := a.stats[off] & widthMask(width)
		a.stats[off] = 0
		a.updateStatsFull()
		return v
	}

	return a.plain(off, width)
}

func (a *Adapter) netDiag() uint16 {
	var v uint16
	if a.statsOn {
		v |= regs.NetDiagStatsEnabled
	}
	if a.rxOn {
		v |= regs.NetDiagRxEnabled
	}
	if a.txOn {
		v |= regs.NetDiagTxEnabled
	}
	return v
}

func (a *Adapter) plain(off uint16, width int) uint32 {
	if int(off)+width > len(a.file[a.window]) {
		return 0
	}
	b := a.file[a.window][off:]
	switch width {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func (a *Adapter) setPlain(off uint16, width int, v uint32) {
	if int(off)+width > len(a.file[a.window]) {
		return
	}
	b := a.file[a.window][off:]
	switch width {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (a *Adapter) out(port uint16, width int, v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.cfg.Base || port-a.cfg.Base >= ioSize {
		return
	}
	off := port - a.cfg.Base

	switch off {
	case regs.RegCommand:
		a.command(regs.Command(v&^regs.CmdArgMask), uint16(v&regs.CmdArgMask))
		return
	case regs.RegDownListPtr:
		a.dnList = v
		a.download()
		return
	case regs.RegUpListPtr:
		a.upList = v
		if len(a.rx) > 0 && a.upload(a.rx[0]) {
			a.popRx()
		}
		return
	}
	if off > regs.RegStatus {
		return
	}

	switch a.window {
	case 0:
		if off == regs.W0EEPROMCommand {
			a.eepromCmd = uint16(v) &^ regs.EEPROMBusy
			if a.eepromCmd&regs.EEPROMRead != 0 {
				a.eepromData = a.eeprom[a.eepromCmd&regs.EEPROMWordMask]
				a.eepromBusy = a.cfg.EEPROMDelay
			}
			return
		}

	case 1:
		switch off {
		case regs.W1FIFO:
			for i := 0; i < width; i++ {
				a.tx = append(a.tx, byte(v>>(8*i)))
			}
			a.drainTx()
			return
		case regs.W1TxStatus:
			if len(a.txStatus) > 0 {
				a.txStatus = a.txStatus[1:]
			}
			a.updateLevels()
			return
		}
	}

	a.setPlain(off, width, v)
}

func (a *Adapter) readStatus() uint16 {
	s := a.status
	if a.resetting != 0 {
		s |= regs.StatusCmdInProgress
		if a.resetting > 0 {
			a.resetting--
		}
	}
	return s | uint16(a.window)<<13
}

func (a *Adapter) command(cmd regs.Command, arg uint16) {
	a.history = append(a.history, Event{Cmd: cmd, Arg: arg})

	switch cmd {
	case regs.CmdTotalReset:
		a.reset()
	case regs.CmdSelectWindow:
		a.window = uint8(arg & 7)
	case regs.CmdRxEnable:
		a.rxOn = true
	case regs.CmdRxDisable:
		a.rxOn = false
	case regs.CmdRxReset:
		a.rx, a.rxPos = nil, 0
		a.upList = 0
	case regs.CmdTxEnable:
		a.txOn = true
	case regs.CmdTxDisable:
		a.txOn = false
	case regs.CmdTxReset:
		a.tx, a.txStatus = nil, nil
		a.dnList = 0
	case regs.CmdRxDiscard:
		a.popRx()
	case regs.CmdRequestIntr:
		a.status |= regs.StatusIntRequested
	case regs.CmdAckIntr:
		a.status &^= arg & regs.StatusAckable
	case regs.CmdSetIntrEnable:
		a.intMask = arg
	case regs.CmdSetStatusMask:
		a.statusMask = arg
	case regs.CmdSetRxFilter:
		a.filter = arg & 0x0f
	case regs.CmdStatsEnable:
		a.statsOn = true
	case regs.CmdStatsDisable:
		a.statsOn = false
	}

	a.updateLevels()
}

// reset leaves the statistics counters alone, as the hardware does.
func (a *Adapter) reset() {
	a.window = 0
	a.file = [8][16]byte{}
	a.status = 0
	a.intMask, a.statusMask, a.filter = 0, 0, 0
	a.rxOn, a.txOn, a.statsOn = false, false, false
	a.tx, a.txStatus = nil, nil
	a.rx, a.rxPos = nil, 0
	a.dnList, a.upList = 0, 0

	if a.cfg.AutoLoadStation {
		copy(a.file[2][regs.W2StationAddr:], a.stationFromEEPROM())
	}
	binary.LittleEndian.PutUint16(a.file[3][regs.W3InternalConfig:], a.cfg.InternalConfig)

	a.resetting = a.cfg.ResetDelay
	if a.resetStuck {
		a.resetting = -1
	}
}

func (a *Adapter) stationFromEEPROM() []byte {
	b := make([]byte, 6)
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint16(b[i*2:], a.eeprom[regs.EEPROMStationAddr+i])
	}
	return b
}

// updateLevels re-derives the level triggered status bits and the interrupt
// latch.
func (a *Adapter) updateLevels() {
	if len(a.rx) > 0 {
		a.status |= regs.StatusRxComplete
	}
	if len(a.txStatus) > 0 {
		a.status |= regs.StatusTxComplete
	}
	if a.status&a.intMask&^regs.StatusIntLatch != 0 {
		a.status |= regs.StatusIntLatch
	}
}

func (a *Adapter) raise(bits uint16) {
	a.status |= bits
	a.updateLevels()
}

func (a *Adapter) readFIFO(width int) uint32 {
	if len(a.rx) == 0 {
		return 0
	}

	var v uint32
	head := a.rx[0]
	for i := 0; i < width; i++ {
		if a.rxPos < len(head) {
			v |= uint32(head[a.rxPos]) << (8 * i)
		}
		a.rxPos++
	}
	return v
}

func (a *Adapter) popRx() {
	if len(a.rx) > 0 {
		a.rx = a.rx[1:]
	}
	a.rxPos = 0
	if len(a.rx) == 0 {
		a.status &^= regs.StatusRxComplete
	}
}

// drainTx completes every whole frame in the transmit FIFO. A frame is a
// four byte preamble holding its length, then the data padded to four bytes.
func (a *Adapter) drainTx() {
	for len(a.tx) >= 4 {
		n := int(binary.LittleEndian.Uint16(a.tx) & regs.RxStatusLenMask)
		need := 4 + (n+3)&^3
		if len(a.tx) < need {
			return
		}

		frame := bytes.Clone(a.tx[4 : 4+n])
		a.tx = a.tx[need:]
		a.transmit(frame)
	}
}

func (a *Adapter) transmit(frame []byte) {
	if !a.txOn {
		a.cfg.L.WithField("len", len(frame)).Debug("simnic: transmitter disabled, frame dropped")
		return
	}

	a.sent = append(a.sent, frame)
	a.count(regs.W6TxFrames, 1)
	a.count(regs.W6TxBytes, uint32(len(frame)))
	if len(a.txStatus) < 31 {
		a.txStatus = append(a.txStatus, regs.TxStatusComplete)
	}
	a.raise(regs.StatusTxComplete | regs.StatusTxAvailable)

	if a.cfg.Loopback {
		a.receive(bytes.Clone(frame))
	}
}

func (a *Adapter) accepts(frame []byte) bool {
	if len(frame) < 6 {
		return false
	}
	dst := frame[:6]

	switch {
	case a.filter&regs.FilterPromiscuous != 0:
		return true
	case bytes.Equal(dst, broadcast):
		return a.filter&regs.FilterBroadcast != 0
	case dst[0]&1 != 0:
		return a.filter&regs.FilterMulticast != 0
	default:
		return a.filter&regs.FilterStation != 0 && bytes.Equal(dst, a.file[2][:6])
	}
}

func (a *Adapter) receive(frame []byte) bool {
	if !a.rxOn || !a.accepts(frame) {
		return false
	}

	if a.upList != 0 && len(a.rx) == 0 && a.upload(frame) {
		a.count(regs.W6RxFrames, 1)
		a.count(regs.W6RxBytes, uint32(len(frame)))
		return true
	}

	if len(a.rx) >= a.cfg.RxQueue {
		a.count(regs.W6RxOverruns, 1)
		return false
	}

	a.rx = append(a.rx, frame)
	a.count(regs.W6RxFrames, 1)
	a.count(regs.W6RxBytes, uint32(len(frame)))
	a.raise(regs.StatusRxComplete)
	return true
}

func (a *Adapter) count(off uint16, n uint32) {
	if !a.statsOn {
		return
	}
	a.stats[off] += n
	a.updateStatsFull()
}

func (a *Adapter) updateStatsFull() {
	full := false
	for off, v := range a.stats {
		limit := uint32(stat8Full)
		if off == regs.W6RxBytes || off == regs.W6TxBytes {
			limit = stat16Full
		}
		if v >= limit {
			full = true
		}
	}

	if full {
		a.raise(regs.StatusStatsFull)
	} else {
		a.status &^= regs.StatusStatsFull
	}
}

// readDescriptor decodes the list entry at ptr one fragment at a time so a
// short descriptor at the end of memory still resolves.
func (a *Adapter) readDescriptor(ptr uint32) (regs.Descriptor, []byte, error) {
	mem := a.cfg.Memory
	hdr, err := mem.Resolve(dma.Phys(ptr), regs.DescHeaderSize)
	if err != nil {
		return regs.Descriptor{}, nil, err
	}

	raw := bytes.Clone(hdr)
	for off := regs.DescHeaderSize; ; off += regs.DescFragmentSize {
		f, err := mem.Resolve(dma.Phys(ptr)+dma.Phys(off), regs.DescFragmentSize)
		if err != nil {
			return regs.Descriptor{}, nil, err
		}
		raw = append(raw, f...)
		if binary.LittleEndian.Uint32(f[4:])&regs.DescLastFrag != 0 {
			break
		}
	}

	d, err := regs.ParseDescriptor(raw)
	return d, hdr, err
}

func (a *Adapter) download() {
	if a.dmaStuck || a.cfg.Memory == nil {
		return
	}

	for a.dnList != 0 {
		d, hdr, err := a.readDescriptor(a.dnList)
		if err != nil {
			a.cfg.L.WithError(err).Debug("simnic: bad download descriptor")
			a.dnList = 0
			a.raise(regs.StatusAdapterFailure)
			return
		}

		var frame []byte
		for _, f := range d.Fragments {
			b, err := a.cfg.Memory.Resolve(dma.Phys(f.Addr), int(f.Len))
			if err != nil {
				a.dnList = 0
				a.raise(regs.StatusAdapterFailure)
				return
			}
			frame = append(frame, b...)
		}

		a.transmit(frame)
		regs.SetDescriptorStatus(hdr, d.Status|regs.DnComplete)
		a.dnList = d.Next
	}

	a.raise(regs.StatusDownComplete | regs.StatusDMADone)
}

// upload writes frame through the pending upload descriptor. It reports false
// when no descriptor is posted.
func (a *Adapter) upload(frame []byte) bool {
	if a.dmaStuck || a.cfg.Memory == nil || a.upList == 0 {
		return false
	}

	d, hdr, err := a.readDescriptor(a.upList)
	if err != nil {
		a.upList = 0
		a.raise(regs.StatusAdapterFailure)
		return false
	}

	rest := frame
	for _, f := range d.Fragments {
		if len(rest) == 0 {
			break
		}
		b, err := a.cfg.Memory.Resolve(dma.Phys(f.Addr), int(f.Len))
		if err != nil {
			a.upList = 0
			a.raise(regs.StatusAdapterFailure)
			return false
		}
		rest = rest[copy(b, rest):]
	}

	status := uint32(len(frame)-len(rest)) | regs.UpComplete
	if len(rest) > 0 {
		status |= regs.UpError
		a.count(regs.W6RxOverruns, 1)
	}
	regs.SetDescriptorStatus(hdr, status)

	a.upList = d.Next
	a.raise(regs.StatusUpComplete | regs.StatusDMADone)
	return true
}

// Deliver presents a frame from the wire. It reports whether the receive
// filter accepted it.
func (a *Adapter) Deliver(frame []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.receive(bytes.Clone(frame))
}

// Sent returns every frame the adapter transmitted.
func (a *Adapter) Sent() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.sent...)
}

// History returns every command issued since the last ClearHistory.
func (a *Adapter) History() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.history...)
}

func (a *Adapter) ClearHistory() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}

// SetResetStuck makes every following reset stay busy forever.
func (a *Adapter) SetResetStuck(stuck bool) {
	a.mu.Lock()
	a.resetStuck = stuck
	a.mu.Unlock()
}

// SetDMAStuck makes bus master lists never complete.
func (a *Adapter) SetDMAStuck(stuck bool) {
	a.mu.Lock()
	a.dmaStuck = stuck
	a.mu.Unlock()
}

// SetLoopback switches internal loopback.
func (a *Adapter) SetLoopback(on bool) {
	a.mu.Lock()
	a.cfg.Loopback = on
	a.mu.Unlock()
}

// Fail latches an adapter failure.
func (a *Adapter) Fail() {
	a.mu.Lock()
	a.raise(regs.StatusAdapterFailure)
	a.mu.Unlock()
}

// AddStatistic bumps the window 6 counter at off as traffic would.
func (a *Adapter) AddStatistic(off uint16, n uint32) {
	a.mu.Lock()
	a.stats[off] += n
	a.updateStatsFull()
	a.mu.Unlock()
}

// State is a snapshot of the programmed adapter configuration.
type State struct {
	Window        uint8
	Filter        uint16
	IntMask       uint16
	RxEnabled     bool
	TxEnabled     bool
	StatsEnabled  bool
	Station       [6]byte
	MacControl    uint16
	Media         uint16
	PendingStatus uint16
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{
		Window:        a.window,
		Filter:        a.filter,
		IntMask:       a.intMask,
		RxEnabled:     a.rxOn,
		TxEnabled:     a.txOn,
		StatsEnabled:  a.statsOn,
		MacControl:    binary.LittleEndian.Uint16(a.file[3][regs.W3MacControl:]),
		Media:         binary.LittleEndian.Uint16(a.file[4][regs.W4Media:]),
		PendingStatus: a.status,
	}
	copy(s.Station[:], a.file[2][:6])
	return s
}
