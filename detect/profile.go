package detect

import (
	"github.com/slackhq/etherlink/dma"
)

// Generation identifies a family of adapters sharing a register layout and
// feature baseline.
type Generation uint8

const (
	GenerationUnknown Generation = iota
	// GenerationEtherLinkIII is the 3C509B ISA adapter, programmed I/O only.
	GenerationEtherLinkIII
	// GenerationCorkscrew is the 3C515 ISA bus master.
	GenerationCorkscrew
	// GenerationVortex is the 3C59x PCI adapter, programmed I/O only.
	GenerationVortex
	// GenerationBoomerang is the 3C90x PCI bus master with download lists.
	GenerationBoomerang
	GenerationCyclone
	GenerationTornado
)

func (g Generation) String() string {
	switch g {
	case GenerationEtherLinkIII:
		return "etherlink-iii"
	case GenerationCorkscrew:
		return "corkscrew"
	case GenerationVortex:
		return "vortex"
	case GenerationBoomerang:
		return "boomerang"
	case GenerationCyclone:
		return "cyclone"
	case GenerationTornado:
		return "tornado"
	default:
		return "unknown"
	}
}

// Profile is the static description of a generation. Profiles are shared by
// every device of that generation and must not be modified.
type Profile struct {
	Generation   Generation
	Name         string
	Capabilities Capability

	// FIFOSize is the on-board transfer buffer in bytes.
	FIFOSize int

	PermanentWindow1 bool
	StatsWindow      bool
	AutoNegotiation  bool

	// DMA holds the transfer constraints of the bus master engine. The zero
	// value means the generation cannot master the bus.
	DMA dma.Limits
}

const (
	isaCeiling  = 16 << 20
	isaBoundary = 64 << 10
)

var pciLimits = dma.Limits{
	Alignment:     16,
	MaxTransfer:   64 << 10,
	MaxFragments:  16,
	ScatterGather: true,
}

var profiles = [...]Profile{
	GenerationUnknown: {
		Generation: GenerationUnknown,
		Name:       "unknown",
		FIFOSize:   2048,
	},
	GenerationEtherLinkIII: {
		Generation:       GenerationEtherLinkIII,
		Name:             "3C509B EtherLink III",
		Capabilities:     CapPermanentWindow1 | CapStatsWindow,
		FIFOSize:         2048,
		PermanentWindow1: true,
		StatsWindow:      true,
	},
	GenerationCorkscrew: {
		Generation:   GenerationCorkscrew,
		Name:         "3C515 Corkscrew",
		Capabilities: CapBusMaster | CapFullDuplex | CapStatsWindow,
		FIFOSize:     8192,
		StatsWindow:  true,
		DMA: dma.Limits{
			MaxAddress:   isaCeiling,
			Boundary:     isaBoundary,
			Alignment:    8,
			MaxTransfer:  64 << 10,
			MaxFragments: 8,
		},
	},
	GenerationVortex: {
		Generation:       GenerationVortex,
		Name:             "3C59x Vortex",
		Capabilities:     CapFullDuplex | CapPermanentWindow1 | CapStatsWindow,
		FIFOSize:         8192,
		PermanentWindow1: true,
		StatsWindow:      true,
	},
	GenerationBoomerang: {
		Generation:   GenerationBoomerang,
		Name:         "3C90x Boomerang",
		Capabilities: CapBusMaster | CapFullDuplex | CapLargePackets | CapStatsWindow,
		FIFOSize:     8192,
		StatsWindow:  true,
		DMA:          pciLimits,
	},
	GenerationCyclone: {
		Generation: GenerationCyclone,
		Name:       "3C905B Cyclone",
		Capabilities: CapBusMaster | CapFullDuplex | CapLargePackets | CapFlowControl |
			CapAutoNegotiation | CapWakeOnLAN | CapStatsWindow,
		FIFOSize:        8192,
		StatsWindow:     true,
		AutoNegotiation: true,
		DMA:             pciLimits,
	},
	GenerationTornado: {
		Generation: GenerationTornado,
		Name:       "3C905C Tornado",
		Capabilities: CapBusMaster | CapFullDuplex | CapLargePackets | CapFlowControl |
			CapAutoNegotiation | CapHWChecksum | CapVLAN | CapWakeOnLAN | CapStatsWindow,
		FIFOSize:        8192,
		StatsWindow:     true,
		AutoNegotiation: true,
		DMA:             pciLimits,
	},
}

// ProfileFor returns the profile of g. Out of range values get the unknown
// profile.
func ProfileFor(g Generation) *Profile {
	if int(g) >= len(profiles) {
		return &profiles[GenerationUnknown]
	}
	return &profiles[g]
}

// model is an entry in one of the identifier tables. add and remove adjust the
// generation defaults for a specific board.
type model struct {
	id         uint16
	name       string
	generation Generation
	add        Capability
	remove     Capability
}

// busModels maps PCI/CardBus device ids to generations.
var busModels = []model{
	{id: 0x5900, name: "3C590 Vortex 10Mbps", generation: GenerationVortex},
	{id: 0x5920, name: "3C592 EISA 10Mbps", generation: GenerationVortex},
	{id: 0x5950, name: "3C595 Vortex 100baseTx", generation: GenerationVortex},
	{id: 0x5951, name: "3C595 Vortex 100baseT4", generation: GenerationVortex},
	{id: 0x5952, name: "3C595 Vortex 100base-MII", generation: GenerationVortex},
	{id: 0x5970, name: "3C597 EISA Fast Vortex", generation: GenerationVortex},

	{id: 0x9000, name: "3C900 Boomerang 10baseT", generation: GenerationBoomerang},
	{id: 0x9001, name: "3C900 Boomerang 10Mbps Combo", generation: GenerationBoomerang},
	{id: 0x9004, name: "3C900B-TPO Etherlink XL", generation: GenerationBoomerang},
	{id: 0x9005, name: "3C900B-Combo Etherlink XL", generation: GenerationBoomerang},
	{id: 0x9006, name: "3C900B-TPC Etherlink XL", generation: GenerationBoomerang},
	{id: 0x9050, name: "3C905 Boomerang 100baseTx", generation: GenerationBoomerang},
	{id: 0x9051, name: "3C905 Boomerang 100baseT4", generation: GenerationBoomerang},

	{id: 0x9055, name: "3C905B Cyclone 100baseTx", generation: GenerationCyclone},
	{id: 0x9056, name: "3C905B-T4 Cyclone", generation: GenerationCyclone},
	{id: 0x9058, name: "3C905B Cyclone 10/100/BNC", generation: GenerationCyclone},
	{id: 0x905a, name: "3C905B-FX Cyclone 100baseFx", generation: GenerationCyclone, remove: CapAutoNegotiation},
	{id: 0x4500, name: "3C450 HomePNA", generation: GenerationCyclone, remove: CapAutoNegotiation},
	{id: 0x7646, name: "3CSOHO100-TX Hurricane", generation: GenerationCyclone},
	{id: 0x9800, name: "3C980 Cyclone Server", generation: GenerationCyclone, add: CapHWChecksum},
	{id: 0x9805, name: "3C980C Python-T", generation: GenerationCyclone, add: CapHWChecksum},
	{id: 0x7940, name: "3C982 Dual Cyclone", generation: GenerationCyclone, add: CapHWChecksum},
	{id: 0x5257, name: "3CCFE575BT CardBus", generation: GenerationCyclone},

	{id: 0x9200, name: "3C905C Tornado", generation: GenerationTornado},
	{id: 0x9201, name: "3C920 Tornado", generation: GenerationTornado},
	{id: 0x9202, name: "3C920B-EMB Tornado", generation: GenerationTornado},
	{id: 0x9210, name: "3C920B-EMB-WNM Tornado", generation: GenerationTornado},
	{id: 0x5157, name: "3CCFE575CT CardBus", generation: GenerationTornado, remove: CapHWChecksum},
	{id: 0x6560, name: "3CCFE656 CardBus", generation: GenerationTornado},
	{id: 0x6562, name: "3CCFEM656B CardBus", generation: GenerationTornado},
	{id: 0x6564, name: "3CXFEM656C CardBus", generation: GenerationTornado},
	{id: 0x1700, name: "3C556 Mini-PCI", generation: GenerationTornado},
	{id: 0x1201, name: "3C556B Mini-PCI", generation: GenerationTornado},
}

// isaProductMask drops the revision nibble of a configuration memory product id.
const isaProductMask = 0xf0ff

// isaModels maps configuration memory product ids (after masking) of the ISA
// adapters, which have no bus-level identifier.
var isaModels = []model{
	{id: 0x5090, name: "3C509B EtherLink III", generation: GenerationEtherLinkIII},
	{id: 0x5051, name: "3C515-TX Corkscrew", generation: GenerationCorkscrew},
}

// lookupBusID resolves a bus-level device id. ok is false for ids outside the
// known ranges.
func lookupBusID(id uint16) (model, bool) {
	for _, m := range busModels {
		if m.id == id {
			return m, true
		}
	}
	return model{}, false
}

// lookupProductID resolves a configuration memory product id. ISA ids match
// after masking the revision. PCI boards carry their device id there too.
func lookupProductID(id uint16) (model, bool) {
	for _, m := range isaModels {
		if m.id == id&isaProductMask {
			return m, true
		}
	}
	return lookupBusID(id)
}
