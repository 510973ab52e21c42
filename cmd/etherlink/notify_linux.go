package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink"
)

// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const (
	sdReady  = "READY=1"
	sdStatus = "STATUS="
)

// readyMessage is the notification sent once every adapter is running. The
// status line lists each adapter with its datapath so systemctl status shows
// which engine came up.
func readyMessage(devices []etherlink.ControlDeviceInfo) string {
	parts := make([]string, 0, len(devices))
	for _, d := range devices {
		parts = append(parts, fmt.Sprintf("%s %s/%s", d.Name, d.Generation, d.Datapath))
	}

	status := fmt.Sprintf("%d adapters running", len(devices))
	if len(parts) > 0 {
		status += ": " + strings.Join(parts, ", ")
	}
	return sdReady + "\n" + sdStatus + status
}

func notifyReady(l *logrus.Logger, devices []etherlink.ControlDeviceInfo) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending ready signal")
		return
	}

	if err := sdNotify(sockName, readyMessage(devices)); err != nil {
		l.WithError(err).WithField("socket", sockName).Error("Failed to notify systemd")
		return
	}

	l.WithField("adapters", len(devices)).Debug("Notified systemd the adapters are running")
}

func sdNotify(sockName, msg string) error {
	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("write deadline: %w", err)
	}
	if _, err = conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
