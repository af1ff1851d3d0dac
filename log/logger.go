// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2021 Yandex LLC
// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

// stdout carries command results, so logs default to stderr.
var logWriter io.Writer = os.Stderr

func logStderr(msg string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, msg, args...)
}

// InitLoggerRedirect points every logger at logFileName. "syslog" sends
// records to the local syslog daemon; "stderr" or "" keeps the default.
// When redirectStd is set, the process stdout and stderr are also
// duplicated onto the log file so panics end up next to the records.
func InitLoggerRedirect(logFileName string, redirectStd bool) error {
	switch logFileName {
	case "", "stderr", "/dev/stderr":
		return nil
	case "syslog":
		w, err := InitSyslog()
		if err != nil {
			return fmt.Errorf("connect to syslog: %w", err)
		}
		SetWriter(w)
		return nil
	}

	lf, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %v: %w", logFileName, err)
	}
	if redirectStd {
		if err = redirectStdout(lf); err != nil {
			logStderr("Couldn't redirect STDOUT to the log file %v\n", logFileName)
		}
		if err = redirectStderr(lf); err != nil {
			logStderr("Couldn't redirect STDERR to the log file %v\n", logFileName)
		}
	}
	SetWriter(lf)
	return nil
}

// SetWriter replaces the sink used by loggers created or reconfigured after
// the call.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logWriter = w
}

// SetLevel changes the level of every registered logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()

	for _, logr := range loggers {
		logr.SetLevel(level)
	}
}

func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for k, l := range loggers {
		nl := NewLogger(config, l.name, config.Color, logWriter)
		*loggers[k].Logger = *nl.Logger
	}
}

type LogHandle struct {
	*zerolog.Logger

	name string
}

func (l *LogHandle) Infof(msg string, args ...any) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...any) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...any) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...any) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Name() string {
	return l.name
}

func (l *LogHandle) IsLevelEnabled(level zerolog.Level) bool {
	return l.GetLevel() <= level
}

func (l *LogHandle) SetLevel(level zerolog.Level) {
	*l.Logger = l.Level(level)
}

// E logs err and reports whether it was non-nil.
//
//	if mainLog.E(err) {
//	    return err
//	}
func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, DefaultLogConfig.Color, logWriter)
		loggers[name] = logger
	}

	return logger
}

type LogConfig struct {
	Level      string  `yaml:"level"`
	Format     string  `yaml:"format"`
	Color      bool    `yaml:"color"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

func consoleFormatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		l := strings.Split(c, "/")
		if len(l) == 1 {
			return module + " " + l[0]
		}
		return module + " " + l[len(l)-2] + "/" + l[len(l)-1]
	}
	return module
}

func NewLogger(config *LogConfig, module string, colorized bool, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.StampMilli,
		}
		output.NoColor = !colorized
		output.FormatCaller = func(i any) string {
			return consoleFormatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	if config.SampleRate > 0 && config.SampleRate < 1 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(1 / config.SampleRate)})
	}

	return &LogHandle{Logger: &logger, name: module}
}

// DumpLoggers writes the level of every registered logger to w.
func DumpLoggers(w io.Writer, prefix string) {
	mu.Lock()
	defer mu.Unlock()

	names := make([]string, 0, len(loggers))
	for k := range loggers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		_, _ = fmt.Fprintf(w, "%v logger %v: %v\n", prefix, k, loggers[k].GetLevel().String())
	}
}
