//go:build e2e_testing
// +build e2e_testing

package e2e

import (
	"io"
	"os"
	"testing"

	"dario.cat/mergo"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink"
	"github.com/slackhq/etherlink/config"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// newSimpleControl builds a Control around one simulated adapter in loopback.
// overrides are merged on top, lists are appended.
func newSimpleControl(t *testing.T, name string, overrides m) (*etherlink.Control, *config.C) {
	l := NewTestLogger()

	mc := m{
		"adapters": []any{m{
			"name":    name,
			"io_base": "0x300",
			"backend": "sim",
			"filter":  []string{"station", "broadcast"},
			"sim": m{
				"product_id": 0x5051,
				"station":    "00:60:08:00:00:01",
				"loopback":   true,
			},
		}},
		"memory": m{
			"conventional": "640KiB",
			"extended":     "1MiB",
		},
		"logging": m{
			"level": l.Level.String(),
		},
	}

	if overrides != nil {
		err := mergo.Merge(&overrides, mc, mergo.WithAppendSlice)
		require.NoError(t, err)
		mc = overrides
	}

	c := newConfigFrom(t, l, mc)
	control, err := etherlink.Main(c, false, "e2e-test", l)
	require.NoError(t, err)

	return control, c
}

func newConfigFrom(t *testing.T, l *logrus.Logger, mc m) *config.C {
	cb, err := yaml.Marshal(mc)
	require.NoError(t, err)

	c := config.NewC(l)
	require.NoError(t, c.LoadString(string(cb)))
	return c
}

// ethFrame builds a broadcast frame from src carrying payload.
func ethFrame(t *testing.T, src [6]byte, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       src[:],
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetType(0x88b5),
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload))
	require.NoError(t, err)
	return buf.Bytes()
}

func NewTestLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		l.SetLevel(logrus.PanicLevel)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}
