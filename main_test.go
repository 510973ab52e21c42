package etherlink

import (
	"testing"

	"github.com/slackhq/etherlink/config"
	"github.com/slackhq/etherlink/detect"
	"github.com/slackhq/etherlink/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  level: debug
adapters:
  - name: eth0
    io_base: 0x300
    backend: sim
    filter: [station, broadcast]
    sim:
      product_id: 0x5051
      loopback: true
  - name: eth1
    io_base: "0x320"
    bus_id: 0x9050
    sim:
      product_id: 0x9050
      station: "00:60:08:00:00:02"
selftest:
  enabled: true
  timeout: 20ms
`

func loadConfig(t *testing.T, raw string) *config.C {
	t.Helper()
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw))
	return c
}

func TestMain_ConfigTest(t *testing.T) {
	ctrl, err := Main(loadConfig(t, testConfig), true, "test", test.NewLogger())
	require.NoError(t, err)
	assert.Nil(t, ctrl)
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no adapters", "logging:\n  level: info\n"},
		{"bad log level", "logging:\n  level: loud\nadapters:\n  - io_base: 0x300\n"},
		{"missing io base", "adapters:\n  - name: eth0\n"},
		{"unknown backend", "adapters:\n  - io_base: 0x300\n    backend: usb\n"},
		{"duplicate name", "adapters:\n  - {name: a, io_base: 0x300}\n  - {name: a, io_base: 0x320}\n"},
		{"duplicate base", "adapters:\n  - {name: a, io_base: 0x300}\n  - {name: b, io_base: 0x300}\n"},
		{"bad filter", "adapters:\n  - io_base: 0x300\n    filter: [everything]\n"},
		{"bad station", "adapters:\n  - io_base: 0x300\n    sim: {station: nope}\n"},
		{"bad stats type", "adapters:\n  - io_base: 0x300\nstats:\n  type: carrier-pigeon\n  interval: 10s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, err := Main(loadConfig(t, tt.raw), true, "test", test.NewLogger())
			assert.Error(t, err)
			assert.Nil(t, ctrl)
		})
	}
}

func TestParseAdapters(t *testing.T) {
	c := loadConfig(t, testConfig)
	adapters, err := parseAdapters(c, test.NewLogger())
	require.NoError(t, err)
	require.Len(t, adapters, 2)

	a := adapters[0]
	assert.Equal(t, "eth0", a.name)
	assert.Equal(t, uint16(0x300), a.base)
	assert.Equal(t, "sim", a.backend)
	assert.Equal(t, DefaultFilter, a.filter)
	assert.Equal(t, uint16(0x5051), a.sim.ProductID)
	assert.True(t, a.sim.Loopback)
	assert.True(t, a.sim.AutoLoadStation)
	assert.Equal(t, [6]byte{0x00, 0x60, 0x08, 0x00, 0x00, 0x01}, a.sim.Station)

	b := adapters[1]
	assert.Equal(t, uint16(0x320), b.base)
	assert.Equal(t, detect.Hints{BusID: 0x9050}, b.hints)
	assert.Equal(t, [6]byte{0x00, 0x60, 0x08, 0x00, 0x00, 0x02}, b.sim.Station)
}
