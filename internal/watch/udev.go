package watch

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pilebones/go-udev/netlink"
	log "github.com/sirupsen/logrus"
)

// Event is a block device hotplug or change notification
type Event struct {
	Action string
	// Device is the whole disk the event concerns, e.g. /dev/sdb
	Device string
}

// Source delivers events until ctx is done or the source fails
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// ignoredPrefixes are kernel names that never carry a partition table
var ignoredPrefixes = []string{"loop", "ram", "zram", "dm-", "sr", "md", "nbd"}

func blockRule() netlink.Matcher {
	return &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{
				Env: map[string]string{
					"SUBSYSTEM": "block",
				},
			},
		},
	}
}

// Netlink listens for udev events on the kernel netlink socket
type Netlink struct{}

func (Netlink) Run(ctx context.Context, out chan<- Event) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("connect to netlink: %w", err)
	}

	queue := make(chan netlink.UEvent, 16)
	errs := make(chan error, 1)
	quit := conn.Monitor(queue, errs, blockRule())
	defer func() {
		select {
		case quit <- struct{}{}:
		default:
		}
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case uev, ok := <-queue:
			if !ok {
				return fmt.Errorf("udev event channel closed")
			}
			ev, keep := fromUEvent(uev)
			if !keep {
				log.WithField("kobj", uev.KObj).Debug("Udev event dropped")
				continue
			}
			log.WithFields(log.Fields{"action": ev.Action, "device": ev.Device}).Debug("Udev event")
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}

		case err := <-errs:
			return fmt.Errorf("monitor udev events: %w", err)
		}
	}
}

// fromUEvent maps a kernel event to the disk it touches. Partition events
// resolve to their parent disk through the kobject path.
func fromUEvent(uev netlink.UEvent) (Event, bool) {
	if uev.Env["SUBSYSTEM"] != "block" {
		return Event{}, false
	}
	name := strings.TrimPrefix(uev.Env["DEVNAME"], "/dev/")
	switch uev.Env["DEVTYPE"] {
	case "disk":
	case "partition":
		name = path.Base(path.Dir(uev.KObj))
	default:
		return Event{}, false
	}
	if name == "" || name == "." || name == "/" {
		return Event{}, false
	}
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(name, p) {
			return Event{}, false
		}
	}
	return Event{Action: string(uev.Action), Device: "/dev/" + name}, true
}
