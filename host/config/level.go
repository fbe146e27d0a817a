package config

import (
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// Log level names accepted by log.level
var levelNames = []string{"trace", "debug", "info", "warn", "error"}

// ParseLevel normalises a level name; empty means info
func ParseLevel(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "info", nil
	}
	if name == "warning" {
		name = "warn"
	}
	for _, n := range levelNames {
		if n == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown level %q (want one of %s)", name, strings.Join(levelNames, ", "))
}

// ApplyLevel sets the minimum level of opts
func ApplyLevel(opts *pslog.Options, name string) error {
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	switch level {
	case "trace":
		opts.MinLevel = pslog.TraceLevel
	case "debug":
		opts.MinLevel = pslog.DebugLevel
	case "info":
		opts.MinLevel = pslog.InfoLevel
	case "warn":
		opts.MinLevel = pslog.WarnLevel
	case "error":
		opts.MinLevel = pslog.ErrorLevel
	}
	return nil
}
