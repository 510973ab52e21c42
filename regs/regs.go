// Package regs is the register access layer. It issues single reads and
// writes against an adapter's I/O range and tracks which register window is
// selected so redundant window switches are skipped.
//
// There is no error reporting here. A device that does not respond yields
// whatever the bus floats to, and the layers above detect that with timeouts
// or validation.
package regs

// Bus performs single accesses to the host I/O space.
type Bus interface {
	In8(port uint16) uint8
	In16(port uint16) uint16
	In32(port uint16) uint32
	Out8(port uint16, v uint8)
	Out16(port uint16, v uint16)
	Out32(port uint16, v uint32)
}

// Window is a selectable bank of registers sharing one address range.
type Window uint8

// WindowUnknown forces the next SelectWindow to issue the select command.
const WindowUnknown Window = 0xff

const (
	WindowSetup     Window = 0 // configuration memory access
	WindowOperating Window = 1 // FIFOs, rx/tx status
	WindowStation   Window = 2 // station address filter
	WindowConfig    Window = 3 // internal config, MAC control
	WindowMedia     Window = 4 // media control, diagnostics
	WindowStats     Window = 6 // statistics counters, clear on read
	WindowBusMaster Window = 7 // bus master address and length
)

// Registers is the register file of one adapter.
type Registers struct {
	bus  Bus
	base uint16

	current Window

	// pinned marks generations that keep window 1 permanently selected while
	// the device is running.
	pinned  bool
	running bool

	selects uint64
}

func New(bus Bus, base uint16) *Registers {
	return &Registers{bus: bus, base: base, current: WindowUnknown}
}

func (r *Registers) Base() uint16 { return r.base }

// SetPermanentWindow1 records whether the generation keeps window 1 selected
// while running.
func (r *Registers) SetPermanentWindow1(pinned bool) { r.pinned = pinned }

// SetRunning tells the layer whether the device is running. It only affects the
// permanent window 1 shortcut.
func (r *Registers) SetRunning(running bool) { r.running = running }

// Current returns the tracked window, or WindowUnknown.
func (r *Registers) Current() Window { return r.current }

// Invalidate forgets the tracked window, for example after a reset.
func (r *Registers) Invalidate() { r.current = WindowUnknown }

// Selects returns how many window select commands were issued.
func (r *Registers) Selects() uint64 { return r.selects }

// SelectWindow makes w the active window. It is a no-op when w is already the
// tracked window, or when w is 1 on a running device that keeps window 1
// permanently selected.
func (r *Registers) SelectWindow(w Window) {
	if r.pinned && r.running && w == WindowOperating {
		return
	}

	if r.current == w {
		return
	}

	r.forceWindow(w)
}

// RestoreWindow selects w unconditionally. Used after a temporary excursion to
// another window, where the tracked state is known to differ from the device.
func (r *Registers) RestoreWindow(w Window) {
	if w == WindowUnknown || r.current == w {
		return
	}
	r.forceWindow(w)
}

func (r *Registers) forceWindow(w Window) {
	// The tracked value is cleared first so an interrupted switch resumes from
	// a known state rather than assuming the old window is still selected.
	r.current = WindowUnknown
	r.bus.Out16(r.base+RegCommand, uint16(CmdSelectWindow)|uint16(w&0x7))
	r.current = w
	r.selects++
}

func (r *Registers) Read8(off uint16) uint8   { return r.bus.In8(r.base + off) }
func (r *Registers) Read16(off uint16) uint16 { return r.bus.In16(r.base + off) }
func (r *Registers) Read32(off uint16) uint32 { return r.bus.In32(r.base + off) }

func (r *Registers) Write8(off uint16, v uint8)   { r.bus.Out8(r.base+off, v) }
func (r *Registers) Write16(off uint16, v uint16) { r.bus.Out16(r.base+off, v) }
func (r *Registers) Write32(off uint16, v uint32) { r.bus.Out32(r.base+off, v) }

// Command issues cmd with its 11 bit argument. The command register is visible
// in every window.
func (r *Registers) Command(cmd Command, arg uint16) {
	r.bus.Out16(r.base+RegCommand, uint16(cmd)|(arg&CmdArgMask))
}

// Status reads the status register, visible in every window.
func (r *Registers) Status() uint16 {
	return r.bus.In16(r.base + RegStatus)
}
