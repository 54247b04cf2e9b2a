// Package agent drives the conversation for one call: a small graph of
// nodes routed by the caller's detected intent.
package agent

import (
	"strings"
	"time"
)

// Intent is the classified goal of the caller's latest utterance.
type Intent string

const (
	IntentNone        Intent = ""
	IntentChitchat    Intent = "chitchat"
	IntentQuestion    Intent = "question"
	IntentAppointment Intent = "appointment"
	IntentEnd         Intent = "end"
)

// intentRank orders intents for routing; the most specific wins.
func intentRank(i Intent) int {
	switch i {
	case IntentEnd:
		return 3
	case IntentAppointment:
		return 2
	case IntentQuestion:
		return 1
	default:
		return 0
	}
}

// Entities holds the slots extracted for a booking.
type Entities struct {
	Name          string `json:"name"`
	Topic         string `json:"topic"`
	PreferredSlot string `json:"preferred_slot"`
}

// Complete reports whether every booking slot is filled.
func (e Entities) Complete() bool {
	return e.Name != "" && e.Topic != "" && e.PreferredSlot != ""
}

// Missing names the first unfilled slot, in ask order.
func (e Entities) Missing() string {
	switch {
	case e.Name == "":
		return "name"
	case e.Topic == "":
		return "topic"
	case e.PreferredSlot == "":
		return "preferred_slot"
	default:
		return ""
	}
}

// Turn is one history entry.
type Turn struct {
	Role    string
	Text    string
	Elapsed time.Duration
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// State is the mutable conversation state. It is owned by the
// dispatcher goroutine; snapshots for persistence go through History.
type State struct {
	history []Turn

	CurrentIntent       Intent
	Entities            Entities
	PendingConfirmation string
	UserInput           string

	farewellSaid bool
	nudged       bool
}

// AppendUser records a caller turn. Consecutive caller turns are merged
// so the history keeps alternating roles.
func (s *State) AppendUser(text string, elapsed time.Duration) {
	s.appendTurn(RoleUser, text, elapsed)
}

// AppendAssistant records an agent turn, merging consecutive ones.
func (s *State) AppendAssistant(text string) {
	s.appendTurn(RoleAssistant, text, 0)
}

func (s *State) appendTurn(role, text string, elapsed time.Duration) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if n := len(s.history); n > 0 && s.history[n-1].Role == role {
		s.history[n-1].Text += " " + text
		s.history[n-1].Elapsed += elapsed
		return
	}
	s.history = append(s.history, Turn{Role: role, Text: text, Elapsed: elapsed})
}

// History returns a copy of the turns so far.
func (s *State) History() []Turn {
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}
