package model

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MinNameLen        = 3
	MaxNameLen        = 65
	MaxDescriptionLen = 100
)

var (
	ErrNameForbidden = errors.New("event name must be empty if type is not 'track'")
	ErrNameRequired  = fmt.Errorf("track events need a name of %d to %d characters", MinNameLen, MaxNameLen)
)

// ValidateEventName enforces the name/type rule: only track events are named.
func ValidateEventName(name string, typ EventType) error {
	if typ != EventTrack {
		if name != "" {
			return ErrNameForbidden
		}
		return nil
	}
	if n := utf8.RuneCountInString(name); n < MinNameLen || n > MaxNameLen {
		return ErrNameRequired
	}
	return nil
}

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventTrack, EventIdentify, EventAlias, EventScreen, EventPage:
		return true
	}
	return false
}
