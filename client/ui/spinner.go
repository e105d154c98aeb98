package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// Spinner shows progress of a daemon request on stderr. Without a terminal, only the
// final message is printed.
type Spinner struct {
	spinner *spinner.Spinner
	out     io.Writer
	msg     string
}

func NewSpinner(msg string) *Spinner {
	s := &Spinner{out: os.Stderr, msg: msg}
	if !color.NoColor {
		s.spinner = spinner.New(
			spinner.CharSets[14],
			120*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriter(s.out),
			spinner.WithSuffix(" "+msg),
		)
		s.spinner.Start()
	}
	return s
}

// UpdateMessage is safe to call on a nil Spinner.
func (s *Spinner) UpdateMessage(msg string) {
	if s == nil {
		return
	}
	s.msg = msg
	if s.spinner != nil {
		s.spinner.Suffix = " " + msg
	}
}

func (s *Spinner) Success(msg ...string) { s.finish(color.HiGreenString("✓"), msg) }
func (s *Spinner) Warn(msg ...string)    { s.finish(color.HiYellowString("!"), msg) }
func (s *Spinner) Fail(msg ...string)    { s.finish(color.HiRedString("✗"), msg) }

func (s *Spinner) finish(symbol string, msg []string) {
	if s == nil {
		return
	}
	final := fmt.Sprintf("%s %s\n", symbol, s.msg)
	if len(msg) > 0 {
		final = fmt.Sprintf("%s %s\n", symbol, msg[0])
	}

	if s.spinner == nil {
		fmt.Fprint(s.out, final)
		return
	}
	s.spinner.FinalMSG = final
	s.spinner.Stop()
}
