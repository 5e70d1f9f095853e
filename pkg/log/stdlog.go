package log

import (
	"log"
)

// stdWriter adapts a Logger to io.Writer so the standard library's log
// package (and libraries built on it, like Pebble) can be redirected
// through our structured pipeline.
type stdWriter struct {
	logger Logger
}

func (w stdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == '\r') {
		msg = msg[:len(msg)-1]
	}
	w.logger.Info(msg, Field{Key: "source", Value: "stdlog"})
	return len(p), nil
}

// RedirectStdLog routes the standard library's default logger through the
// given Logger, so third-party packages that only know about log.Printf
// still end up in our structured output.
func RedirectStdLog(logger Logger) {
	log.SetFlags(0)
	log.SetOutput(stdWriter{logger: logger})
}
