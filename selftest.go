package etherlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/etherlink/timing"
)

var (
	ErrSelfTest = errors.New("loopback self test failed")

	selfTestMagic = []byte("etherlink loopback")
)

// selfTestFrame builds a broadcast configuration test frame from src carrying
// seq.
func selfTestFrame(src [6]byte, seq uint32) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr(src[:]),
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeEthernetCTP,
	}

	payload := make([]byte, MinFrameLen)
	copy(payload, selfTestMagic)
	binary.BigEndian.PutUint32(payload[len(selfTestMagic):], seq)

	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, gopacket.SerializeOptions{}, &eth, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// isSelfTestFrame reports whether data is the self test frame for seq.
func isSelfTestFrame(data []byte, seq uint32) bool {
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy)
	eth, ok := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || eth.EthernetType != layers.EthernetTypeEthernetCTP {
		return false
	}

	want := make([]byte, len(selfTestMagic)+4)
	copy(want, selfTestMagic)
	binary.BigEndian.PutUint32(want[len(selfTestMagic):], seq)
	return bytes.HasPrefix(eth.Payload, want)
}

// SelfTest sends a broadcast test frame and waits up to timeout for it to
// come back. It only passes on an adapter that loops transmitted frames back
// to its receiver. Other frames received meanwhile are dropped.
func (d *Device) SelfTest(seq uint32, timeout time.Duration) error {
	frame, err := selfTestFrame(d.StationAddress(), seq)
	if err != nil {
		return err
	}

	if err := d.Send(frame); err != nil {
		return fmt.Errorf("self test send: %w", err)
	}

	var rerr error
	ok := timing.Poll(d.clock, timeout, DefaultCommandPoll, func() bool {
		for {
			f, err := d.Receive()
			if err != nil {
				rerr = err
				return true
			}
			if f == nil {
				return false
			}
			if isSelfTestFrame(f.Data, seq) {
				return true
			}
		}
	})

	switch {
	case rerr != nil:
		return fmt.Errorf("self test receive: %w", rerr)
	case !ok:
		return fmt.Errorf("no loopback within %s: %w", timeout, ErrSelfTest)
	}

	d.l.WithField("seq", seq).Debug("Loopback self test passed")
	return nil
}
