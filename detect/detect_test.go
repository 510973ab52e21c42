package detect

import (
	"testing"

	"github.com/slackhq/etherlink/regs"
	"github.com/slackhq/etherlink/test"
	"github.com/slackhq/etherlink/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = 0x300

// eepromBus serves configuration memory reads and nothing else.
type eepromBus struct {
	words    [64]uint16
	word     uint16
	busy     int
	busyFor  int
	floating bool
	stuck    bool
}

func (b *eepromBus) In8(port uint16) uint8 { return uint8(b.In16(port)) }
func (b *eepromBus) In32(port uint16) uint32 {
	return uint32(b.In16(port))
}

func (b *eepromBus) In16(port uint16) uint16 {
	if b.floating {
		return 0xffff
	}
	switch port - testBase {
	case regs.W0EEPROMCommand:
		if b.stuck || b.busy > 0 {
			b.busy--
			return regs.EEPROMBusy
		}
		return 0
	case regs.W0EEPROMData:
		return b.words[b.word]
	}
	return 0
}

func (b *eepromBus) Out8(port uint16, v uint8)   {}
func (b *eepromBus) Out32(port uint16, v uint32) {}
func (b *eepromBus) Out16(port uint16, v uint16) {
	if port-testBase == regs.W0EEPROMCommand && v&regs.EEPROMRead != 0 {
		b.word = v & regs.EEPROMWordMask
		b.busy = b.busyFor
	}
}

func newTestDetector(b *eepromBus) *Detector {
	return NewDetector(regs.New(b, testBase), timing.NewFake(), test.NewLogger())
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name       string
		productID  uint16
		capWord    uint16
		icWord     uint16
		hints      Hints
		generation Generation
		want       Capability
		notWant    Capability
	}{
		{
			name:       "3c509b by product id",
			productID:  0x5190,
			generation: GenerationEtherLinkIII,
			want:       CapPermanentWindow1 | CapStatsWindow,
			notWant:    CapBusMaster,
		},
		{
			name:       "3c515 is always a bus master",
			productID:  0x5051,
			generation: GenerationCorkscrew,
			want:       CapBusMaster,
		},
		{
			name:       "bus id wins over product id",
			productID:  0x5090,
			hints:      Hints{BusID: 0x9200},
			generation: GenerationTornado,
			want:       CapBusMaster | CapHWChecksum | CapVLAN,
		},
		{
			name:       "unknown bus id falls back to product id",
			productID:  0x9055,
			hints:      Hints{BusID: 0x1234},
			generation: GenerationCyclone,
			want:       CapAutoNegotiation,
		},
		{
			name:       "board override removes auto-negotiation",
			productID:  0x905a,
			generation: GenerationCyclone,
			want:       CapBusMaster,
			notWant:    CapAutoNegotiation,
		},
		{
			name:       "configuration memory adds bits",
			productID:  0x5900,
			capWord:    regs.EEPROMCapBusMaster,
			icWord:     regs.InternalConfigLargePackets,
			generation: GenerationVortex,
			want:       CapBusMaster | CapLargePackets | CapPermanentWindow1,
		},
		{
			name:       "bus implies master",
			productID:  0x5900,
			hints:      Hints{BusImpliesMaster: true},
			generation: GenerationVortex,
			want:       CapBusMaster,
		},
		{
			name:       "unknown id degrades to the lowest profile",
			productID:  0x1111,
			capWord:    regs.EEPROMCapBusMaster | regs.EEPROMCapFullDuplex,
			generation: GenerationUnknown,
			notWant:    CapBusMaster | CapFullDuplex | CapStatsWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &eepromBus{busyFor: 3}
			b.words[regs.EEPROMProductID] = tt.productID
			b.words[regs.EEPROMCapabilities] = tt.capWord
			b.words[regs.EEPROMInternalConfig] = tt.icWord

			res, err := newTestDetector(b).Detect(tt.hints)
			require.NoError(t, err)
			assert.Equal(t, tt.generation, res.Generation)
			assert.Same(t, ProfileFor(tt.generation), res.Profile)
			assert.Equal(t, tt.productID, res.ProductID)
			if tt.want != 0 {
				assert.True(t, res.Capabilities.Has(tt.want), "have %v, want %v", res.Capabilities, tt.want)
			}
			assert.Zero(t, res.Capabilities&tt.notWant, "have %v", res.Capabilities)
			assert.Equal(t, InterruptMask(res.Capabilities), res.InterruptMask)
		})
	}
}

func TestDetect_NoDevice(t *testing.T) {
	t.Run("floating bus", func(t *testing.T) {
		_, err := newTestDetector(&eepromBus{floating: true}).Detect(Hints{})
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("blank product id", func(t *testing.T) {
		_, err := newTestDetector(&eepromBus{}).Detect(Hints{})
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("busy never clears", func(t *testing.T) {
		b := &eepromBus{stuck: true}
		b.words[regs.EEPROMProductID] = 0x5090
		_, err := newTestDetector(b).Detect(Hints{})
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestInterruptMask(t *testing.T) {
	assert.Equal(t, BaseInterruptMask, InterruptMask(0))
	assert.Equal(t, BaseInterruptMask|regs.StatusDMADone, InterruptMask(CapBusMaster|CapFullDuplex))
	assert.Zero(t, InterruptMask(CapFullDuplex)&regs.StatusDMADone)
}

func TestReadStationAddress(t *testing.T) {
	tests := []struct {
		name  string
		words [3]uint16
		want  [6]byte
		err   error
	}{
		{name: "valid", words: [3]uint16{0x0020, 0xaf12, 0x3456}, want: [6]byte{0x00, 0x20, 0xaf, 0x12, 0x34, 0x56}},
		{name: "multicast", words: [3]uint16{0x0120, 0xaf12, 0x3456}, err: ErrInvalidAddress},
		{name: "zero", err: ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &eepromBus{busyFor: 1}
			copy(b.words[regs.EEPROMStationAddr:], tt.words[:])

			addr, err := newTestDetector(b).ReadStationAddress()
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestCapability_String(t *testing.T) {
	assert.Equal(t, "none", Capability(0).String())
	assert.Equal(t, "bus-master|vlan", (CapVLAN | CapBusMaster).String())
}
