/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process.
func Setup(environment string) zerolog.Logger {
	return SetupWithWriter(environment, os.Stdout)
}

// SetupWithWriter configures zerolog writing to out. Development gets a
// human-readable console at debug level; every other environment writes JSON
// lines at info level.
func SetupWithWriter(environment string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if environment == "development" {
		level = zerolog.DebugLevel
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("BAYLINE_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}

	writer := out
	if environment == "development" {
		writer = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(writer).With().Timestamp().Str("service", "bayline").Logger().Level(level)
	log.Logger = logger
	return logger
}
