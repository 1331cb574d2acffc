package logger

import (
	"io"
	"log"
	"os"
)

// New opens the run log at path and returns the logger plus the handle to
// close on shutdown. An empty path logs to stderr so ad-hoc invocations and
// tests do not scatter log files.
func New(path string) (*log.Logger, io.Closer, error) {
	if path == "" {
		return log.New(os.Stderr, "", log.LstdFlags), io.NopCloser(nil), nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, nil, err
	}
	l := log.New(file, "", log.LstdFlags)
	l.Println("Logger initialized.")
	return l, file, nil
}
