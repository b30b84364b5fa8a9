// Package log provides the printf-style, context-prefixed logging helpers
// used throughout usbsas, in the same shape as rclone's fs.Logf/Debugf/Errorf:
// a "what" first argument names the subject (a worker, a path, a device),
// the rest is a normal format string.
package log

import (
	"fmt"
	"log"
	"os"
)

// Level controls which severities are printed.
type Level int

const (
	Error Level = iota
	Info
	Debug
	Trace
)

var current = Info

func init() {
	if os.Getenv("RUST_LOG") != "" {
		// usbsas-go keeps the historical RUST_LOG env var name so operators
		// migrating a fleet of appliances don't have to touch their config.
		switch os.Getenv("RUST_LOG") {
		case "trace":
			current = Trace
		case "debug":
			current = Debug
		case "error", "warn":
			current = Error
		default:
			current = Info
		}
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

func prefixed(what any, format string, a ...any) string {
	msg := fmt.Sprintf(format, a...)
	if what == nil {
		return msg
	}
	return fmt.Sprintf("%v: %s", what, msg)
}

// Errorf always prints.
func Errorf(what any, format string, a ...any) {
	log.Print("ERROR : " + prefixed(what, format, a...))
}

// Logf prints at Info level or above.
func Logf(what any, format string, a ...any) {
	if current >= Info {
		log.Print("INFO  : " + prefixed(what, format, a...))
	}
}

// Debugf prints at Debug level or above.
func Debugf(what any, format string, a ...any) {
	if current >= Debug {
		log.Print("DEBUG : " + prefixed(what, format, a...))
	}
}

// Tracef prints only at Trace level.
func Tracef(what any, format string, a ...any) {
	if current >= Trace {
		log.Print("TRACE : " + prefixed(what, format, a...))
	}
}
