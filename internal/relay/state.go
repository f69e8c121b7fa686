package relay

import (
	"fmt"
	"time"

	"echosos/beacon-node/internal/model"
)

// State is the per-device lifecycle position of one message.
//
//	Unseen -> Received -> Suppressed
//	                   -> Queued -> Advertising -> Relayed
//	                                            -> Expired
type State uint8

const (
	StateUnseen State = iota
	StateReceived
	StateSuppressed
	StateQueued
	StateAdvertising
	StateRelayed
	StateExpired
)

var stateNames = [...]string{
	StateUnseen:      "unseen",
	StateReceived:    "received",
	StateSuppressed:  "suppressed",
	StateQueued:      "queued",
	StateAdvertising: "advertising",
	StateRelayed:     "relayed",
	StateExpired:     "expired",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSuppressed || s == StateRelayed || s == StateExpired
}

// Reason qualifies why a transition happened.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonDecodeFailed
	ReasonDuplicate
	ReasonHopsExhausted
	ReasonEchoed
	ReasonAttemptsDone
	ReasonRetention
	ReasonOverflow
	ReasonCanceled
	ReasonSuperseded
)

var reasonNames = [...]string{
	ReasonNone:          "",
	ReasonDecodeFailed:  "decode_failed",
	ReasonDuplicate:     "duplicate",
	ReasonHopsExhausted: "hops_exhausted",
	ReasonEchoed:        "echoed",
	ReasonAttemptsDone:  "attempts_done",
	ReasonRetention:     "retention",
	ReasonOverflow:      "queue_overflow",
	ReasonCanceled:      "canceled",
	ReasonSuperseded:    "superseded",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Transition is emitted to the observer on every state change.
type Transition struct {
	ID     model.Identity
	Local  bool
	From   State
	To     State
	Reason Reason
	At     time.Time
}

// Observer receives transitions synchronously on the engine's caller goroutine.
type Observer func(Transition)

// Outcome describes what Receive did with one advertisement.
type Outcome struct {
	State  State
	Reason Reason
	// Message is the beacon as heard, before any hop decrement.
	Message model.BeaconMessage
	// Accepted is true the first time a valid message is heard; the device
	// should surface it as a peer alert even when it will not forward it.
	Accepted bool
	// Forwarded is set when the message was queued for re-advertisement.
	Forwarded bool
	Err       error
}
