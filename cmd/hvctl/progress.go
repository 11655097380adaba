package main

import (
	"fmt"
	"io"
	"time"

	"github.com/theckman/yacspin"

	"github.com/mppcqc/benchlab/hvramp"
)

// progress shows the running ramp on one terminal line.  A nil *progress
// shows nothing.
type progress struct {
	sp *yacspin.Spinner
}

func newProgress(w io.Writer) (*progress, error) {
	sp, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            w,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return nil, err
	}
	return &progress{sp: sp}, nil
}

func (p *progress) start(what string) {
	if p == nil {
		return
	}
	p.sp.Suffix(" " + what)
	p.sp.Message("")
	p.sp.Start()
}

// step is an hvramp.Ramper.OnStep callback
func (p *progress) step(s hvramp.Step) {
	if p == nil {
		return
	}
	if s.Unverified {
		p.sp.Message(fmt.Sprintf("%.2f V commanded", s.Commanded))
		return
	}
	p.sp.Message(fmt.Sprintf("%.2f V (read %.2f V)", s.Commanded, s.Read))
}

func (p *progress) stop(err error) {
	if p == nil {
		return
	}
	if err != nil {
		p.sp.StopFailMessage(err.Error())
		p.sp.StopFail()
		return
	}
	p.sp.Stop()
}
