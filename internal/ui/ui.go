// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides color and progress-bar helpers shared by every CPM
// subcommand. It mirrors the teacher's cmd/cie/internal/ui package: colors
// are initialized once from the global --no-color flag / NO_COLOR env var,
// and progress bars are suppressed whenever output isn't a TTY or --quiet
// / --json was requested.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

var (
	colorsEnabled = true

	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	infoColor    = color.New(color.FgCyan)
)

// InitColors enables or disables colorized output for the process lifetime.
// noColor takes precedence; NO_COLOR and non-TTY stdout both force it off.
func InitColors(noColor bool) {
	colorsEnabled = !noColor && os.Getenv("NO_COLOR") == "" && isatty.IsTerminal(os.Stdout.Fd())
	color.NoColor = !colorsEnabled
}

// Success prints a green-prefixed line to stderr.
func Success(format string, args ...any) {
	printTagged(successColor, "✓", format, args...)
}

// Warn prints a yellow-prefixed line to stderr.
func Warn(format string, args ...any) {
	printTagged(warnColor, "⚠", format, args...)
}

// Error prints a red-prefixed line to stderr.
func Error(format string, args ...any) {
	printTagged(errorColor, "✗", format, args...)
}

// Info prints a cyan-prefixed line to stderr.
func Info(format string, args ...any) {
	printTagged(infoColor, "•", format, args...)
}

func printTagged(c *color.Color, glyph, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if colorsEnabled {
		fmt.Fprintf(os.Stderr, "%s %s\n", c.Sprint(glyph), msg)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", glyph, msg)
}

// NewProgressBar returns a progress bar writing to stderr, or a no-op bar
// when quiet is true or stderr is not a terminal (prevents progress frames
// from corrupting piped/--json output, per the teacher's index.go rule).
func NewProgressBar(total int, description string, quiet bool) *progressbar.ProgressBar {
	if quiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return progressbar.NewOptions(total, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}
