package tools

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Settler makes the kernel and udev catch up with a changed partition table
type Settler struct {
	base
	settleTimeout time.Duration
}

// Settle re-reads the table of dev and waits for udev. Failures are logged
// and never fatal; the following probe shows the real state.
func (s *Settler) Settle(ctx context.Context, dev string) {
	if _, err := s.exec(ctx, "partprobe", []string{dev}, nil); err != nil {
		log.WithError(err).WithField("device", dev).Warn("partprobe failed")
	}
	secs := int(s.settleTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := s.exec(ctx, "udevadm", []string{"settle", fmt.Sprintf("--timeout=%d", secs)}, nil); err != nil {
		log.WithError(err).Debug("udevadm settle failed")
	}
}
