package hub

import (
	"io"
	"log"
)

var (
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// SetLoggers points the hub at the server's error and debug loggers.
// Nil arguments leave the current logger in place.
func SetLoggers(errorLogger, debugLogger *log.Logger) {
	if errorLogger != nil {
		errorLog = errorLogger
	}
	if debugLogger != nil {
		debugLog = debugLogger
	}
}
