// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import (
	"flag"
	"io"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var flagAdded int32

// AddFlags adds a standard log level flag to the flag.CommandLine
// flag set. The flag sets the level of the current outputter if it is
// the zerolog outputter.
func AddFlags() {
	if atomic.AddInt32(&flagAdded, 1) != 1 {
		Error.Printf("log.AddFlags: called twice")
		return
	}
	flag.Var(new(logFlag), "log", "set log level (off, error, info, debug)")
}

// SetLevel sets the level of the default outputter. It has no effect
// when a custom outputter is installed.
func SetLevel(level Level) {
	if z, ok := GetOutputter().(*ZerologOutputter); ok {
		z.SetLevel(level)
	}
}

type logFlag string

func (f logFlag) String() string {
	return string(f)
}

func (f *logFlag) Set(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*f = logFlag(level.String())
	SetLevel(level)
	return nil
}

// ZerologOutputter is an Outputter that writes one JSON object per
// message using zerolog. Its level may be changed concurrently with
// logging.
type ZerologOutputter struct {
	logger zerolog.Logger
	level  atomic.Int32
}

// NewZerologOutputter returns an outputter that writes JSON lines
// with a timestamp, level and message to w, accepting messages at
// levels up to level.
func NewZerologOutputter(w io.Writer, level Level) *ZerologOutputter {
	z := &ZerologOutputter{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
	z.SetLevel(level)
	return z
}

// SetLevel changes the outputter's level.
func (z *ZerologOutputter) SetLevel(level Level) {
	z.level.Store(int32(level))
}

// Level implements Outputter.
func (z *ZerologOutputter) Level() Level {
	return Level(z.level.Load())
}

// Output implements Outputter.
func (z *ZerologOutputter) Output(calldepth int, level Level, s string) error {
	if level > z.Level() || level == Off {
		return nil
	}
	z.logger.WithLevel(zerologLevel(level)).Msg(strings.TrimSuffix(s, "\n"))
	return nil
}

func zerologLevel(level Level) zerolog.Level {
	switch {
	case level <= Error:
		return zerolog.ErrorLevel
	case level == Info:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
