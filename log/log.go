// GOMailSync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultSink = zapcore.Lock(os.Stderr)

var defaultEncoderConfig = zapcore.EncoderConfig{
	TimeKey:          "time",
	LevelKey:         "priority",
	NameKey:          "prefix",
	MessageKey:       "message",
	EncodeTime:       zapcore.ISO8601TimeEncoder,
	EncodeLevel:      zapcore.CapitalLevelEncoder,
	EncodeName:       func(name string, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString("[" + name + "]") },
	EncodeDuration:   zapcore.StringDurationEncoder,
	ConsoleSeparator: " ",
}

type Logger struct {
	*zap.SugaredLogger
}

// GetLogger returns a logger writing to stderr every message at or above
// loglevel, tagged with prefix. An unknown level falls back to info.
func GetLogger(prefix string, loglevel string) *Logger {
	return NewLogger(prefix, loglevel, defaultSink)
}

func NewLogger(prefix string, loglevel string, sink zapcore.WriteSyncer) *Logger {
	lvl, err := LogLevelToPriority(loglevel)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(defaultEncoderConfig), sink, lvl)
	return &Logger{zap.New(core).Named(prefix).Sugar()}
}

// With returns a child logger with prefix appended to the current one.
func (l *Logger) With(prefix string) *Logger {
	return &Logger{l.SugaredLogger.Desugar().Named(prefix).Sugar()}
}

var (
	LogLevelMap = map[string]zapcore.Level{
		"error": zapcore.ErrorLevel,
		"info":  zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
	}
)

func LogLevelToPriority(loglevel string) (zapcore.Level, error) {
	if l, ok := LogLevelMap[loglevel]; ok {
		return l, nil
	}
	err := fmt.Errorf("Wrong log level: %s", loglevel)
	return 0, err
}
