package log

import (
	"io"
	"os"
)

// ConsoleOutput writes to stderr.
type ConsoleOutput struct {
	w io.Writer
}

// NewConsoleOutput returns an Output bound to stderr.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{w: os.Stderr}
}

func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	_, err := o.w.Write(formatted)
	return err
}

func (o *ConsoleOutput) Close() error { return nil }

// WriterOutput writes to an arbitrary io.Writer. Used by tests to capture
// entries.
type WriterOutput struct {
	W io.Writer
}

func (o *WriterOutput) Write(_ *Entry, formatted []byte) error {
	_, err := o.W.Write(formatted)
	return err
}

func (o *WriterOutput) Close() error { return nil }

type nopOutput struct{}

func (nopOutput) Write(_ *Entry, _ []byte) error { return nil }
func (nopOutput) Close() error                   { return nil }
