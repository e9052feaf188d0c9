package kpmap

import (
	"fmt"
	"io"

	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/pagetable"
)

// Sink receives the output of an invocation: status lines and one record
// per present page.
type Sink interface {
	Status(msg string)
	Record(r pagetable.Record)
}

// LogSink writes to the diagnostic log.
type LogSink struct {
	Log logflags.Logger
}

// NewLogSink returns a LogSink writing to the diagnostic log.
func NewLogSink() *LogSink {
	return &LogSink{Log: logflags.SyslogLogger()}
}

func (s *LogSink) Status(msg string) {
	s.Log.Info(msg)
}

func (s *LogSink) Record(r pagetable.Record) {
	s.Log.Info(r.String())
}

// WriterSink writes one line per status and record to W, typically the
// buffer behind a pseudo-file read. The first write error is kept and
// later output dropped.
type WriterSink struct {
	W   io.Writer
	Err error
}

func (s *WriterSink) Status(msg string) {
	s.println(msg)
}

func (s *WriterSink) Record(r pagetable.Record) {
	s.println(r.String())
}

func (s *WriterSink) println(line string) {
	if s.Err != nil {
		return
	}
	_, s.Err = fmt.Fprintln(s.W, line)
}
