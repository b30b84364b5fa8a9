package usbdev

import (
	"time"

	ulog "github.com/usbsas/usbsas/internal/log"
)

// pollInterval is how often the sysfs tree is re-walked to detect
// plug/unplug events, standing in for udev's netlink notifications.
const pollInterval = 1 * time.Second

// pollLoop runs handle_udev_events' scan-then-watch cycle, but by polling
// sysfs on a timer instead of registering for kernel uevents: scan once
// immediately (covering devices already plugged in at startup), then keep
// diffing the sysfs tree against what's already tracked until stop fires.
func pollLoop(current *CurrentDevices, stop <-chan struct{}) {
	seen := make(map[string]bool)

	scan := func() {
		devs, err := scanUsbDevices()
		if err != nil {
			ulog.Errorf("usbdev", "scan sysfs: %v", err)
			return
		}
		fresh := make(map[string]bool, len(devs))
		for _, d := range devs {
			fresh[d.Syspath] = true
			if !seen[d.Syspath] {
				current.Add(d)
			}
		}
		for syspath := range seen {
			if !fresh[syspath] {
				current.Remove(syspath)
			}
		}
		seen = fresh
	}

	scan()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			scan()
		}
	}
}
