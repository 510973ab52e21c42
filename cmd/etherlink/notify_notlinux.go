//go:build !linux

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink"
)

func notifyReady(_ *logrus.Logger, _ []etherlink.ControlDeviceInfo) {
	// No init service to notify
}
