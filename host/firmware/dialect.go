// Package firmware describes how controller families acknowledge commands
package firmware

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a response line
type Kind int

const (
	// Ignore lines are unsolicited (status reports) and never belong to a command
	Ignore Kind = iota
	// Info lines are appended to the oldest active command
	Info
	// OK completes the oldest active command
	OK
	// Error completes the oldest active command as failed
	Error
)

func (k Kind) String() string {
	switch k {
	case Ignore:
		return "ignore"
	case Info:
		return "info"
	case OK:
		return "ok"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Realtime bytes understood by GRBL style controllers. They bypass the
// receive buffer and are never acknowledged.
const (
	FeedHold   byte = '!'
	CycleStart byte = '~'
	StatusPoll byte = '?'
	SoftReset  byte = 0x18
)

// Dialect is the firmware specific part of streaming
type Dialect interface {
	// Name identifies the dialect in configuration
	Name() string

	// BufferSize is the controller receive buffer available to commands
	BufferSize() int

	// Classify reports how a response line affects the oldest active command
	Classify(line string) Kind
}

// Grbl is the GRBL dialect
type Grbl struct{}

func (Grbl) Name() string { return "grbl" }

// BufferSize is 128 bytes less one reserved for realtime commands
func (Grbl) BufferSize() int { return 127 }

func (Grbl) Classify(line string) Kind {
	switch {
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return Ignore
	case strings.EqualFold(line, "ok"):
		return OK
	case containsFold(line, "error"), strings.HasPrefix(line, "ALARM"):
		return Error
	}
	return Info
}

// Smoothie is the Smoothieware dialect
type Smoothie struct{}

func (Smoothie) Name() string    { return "smoothie" }
func (Smoothie) BufferSize() int { return 128 }

func (Smoothie) Classify(line string) Kind {
	switch {
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return Ignore
	case strings.EqualFold(line, "ok"), strings.HasPrefix(strings.ToLower(line), "ok "):
		return OK
	case strings.HasPrefix(strings.ToLower(line), "error"), strings.HasPrefix(line, "!!"):
		return Error
	}
	return Info
}

// Generic accepts any controller answering "ok" or "error"
type Generic struct{}

func (Generic) Name() string    { return "generic" }
func (Generic) BufferSize() int { return 128 }

func (Generic) Classify(line string) Kind {
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "ok"):
		return OK
	case strings.HasPrefix(lower, "error"):
		return Error
	}
	return Info
}

var dialects = map[string]Dialect{
	Grbl{}.Name():     Grbl{},
	Smoothie{}.Name(): Smoothie{},
	Generic{}.Name():  Generic{},
}

// Lookup returns the dialect registered under name
func Lookup(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown firmware dialect %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names lists the registered dialects
func Names() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
