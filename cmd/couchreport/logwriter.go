package main

import (
	"io"
	"os"
	"sync"
)

// logWriter is the output of the global LTSV logger. The logger is set up
// once over it and SIGHUP swaps the file underneath, so goroutines logging
// concurrently never see a half replaced logger.
type logWriter struct {
	mu   sync.Mutex
	path string
	w    io.Writer
	f    *os.File
}

// newLogWriter appends to path, or writes to stdout when path is empty.
func newLogWriter(path string) (*logWriter, error) {
	lw := &logWriter{path: path, w: os.Stdout}
	if path == "" {
		return lw, nil
	}
	f, err := openLogFile(path)
	if err != nil {
		return nil, err
	}
	lw.w = f
	lw.f = f
	return lw, nil
}

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
}

func (lw *logWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// Reopen opens the log path again, after a rotation moved the old file.
// On error the current file stays in use.
func (lw *logWriter) Reopen() error {
	if lw.path == "" {
		return nil
	}
	f, err := openLogFile(lw.path)
	if err != nil {
		return err
	}
	lw.mu.Lock()
	old := lw.f
	lw.w = f
	lw.f = f
	lw.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

func (lw *logWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.f == nil {
		return nil
	}
	err := lw.f.Close()
	lw.f = nil
	lw.w = io.Discard
	return err
}
