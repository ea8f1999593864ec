package mux

import (
	"go.uber.org/zap"

	"tilemux/cnc"
)

// SignalAck is raised by an operator to check that the loop is alive and
// servicing its cnc. The loop answers by moving the cnc back to RUN.
const SignalAck = cnc.SignalUser

type action uint8

const (
	actNone   action = iota // steady state, leave the cell alone
	actAck                  // acknowledge and return to RUN
	actHalt                 // stop, rewind to BOOT
	actReject               // unknown signal: log and return to RUN
)

type transition struct {
	next cnc.Signal
	act  action
}

// transitions is the complete table of signals a running loop accepts.
// Anything not listed takes the reject path.
var transitions = map[cnc.Signal]transition{
	cnc.SignalRun:  {next: cnc.SignalRun, act: actNone},
	SignalAck:      {next: cnc.SignalRun, act: actAck},
	cnc.SignalHalt: {next: cnc.SignalBoot, act: actHalt},
}

var reject = transition{next: cnc.SignalRun, act: actReject}

func transitionFor(s cnc.Signal) transition {
	if t, ok := transitions[s]; ok {
		return t
	}
	return reject
}

// command services the cnc signal cell. It returns false when the loop must
// halt. Writes back use compare-and-swap so a command raised between the
// load and the store is not lost.
func (e *engine) command() bool {
	s := e.cnc.Query()
	t := transitionFor(s)
	switch t.act {
	case actAck:
		e.cnc.CompareAndSwap(s, t.next)
	case actReject:
		if e.warn.Allow() {
			e.log.Warn("unexpected cnc signal, resetting to run", zap.Stringer("signal", s))
		}
		e.cnc.CompareAndSwap(s, t.next)
	case actHalt:
		return false
	}
	return true
}
