/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a *log.Logger rotated through lumberjack when logfile
// is non-empty, or plain stderr otherwise. Each ZoneEntry gets its own
// logger with a zone-name prefix, rather than this core mutating the
// process-wide log package (it is a library, not the daemon).
func NewLogger(logfile, prefix string) *log.Logger {
	if logfile == "" {
		return log.New(os.Stderr, prefix, log.Lshortfile|log.Ltime)
	}
	return log.New(&lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	}, prefix, log.Lshortfile|log.Ltime)
}
