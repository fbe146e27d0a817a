// Package gcode holds the command records streamed to a controller and the
// lexical helpers used to prepare them. It does not interpret motion.
package gcode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExpectedLetter = errors.New("expected command letter")
	ErrBadNumber      = errors.New("bad number format")
)

// Word is a single letter/value pair such as X10.5
type Word struct {
	Letter byte
	Value  float64
}

// Block is one lexed line of G-code
type Block struct {
	Words   []Word
	Comment string

	// System holds a "$" prefixed controller command verbatim
	System string
}

// Empty reports whether the block carries nothing to send
func (b *Block) Empty() bool {
	return len(b.Words) == 0 && b.System == ""
}

// ParseLine splits a line into words and its comment
func ParseLine(line string) (*Block, error) {
	block := &Block{}

	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++

		case c == ';':
			block.Comment = strings.TrimSpace(line[i+1:])
			return block, nil

		case c == '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				block.Comment = strings.TrimSpace(line[i+1:])
				return block, nil
			}
			if block.Comment == "" {
				block.Comment = strings.TrimSpace(line[i+1 : i+end])
			}
			i += end + 1

		case c == '%':
			// Program delimiter
			i++

		case c == '$' && len(block.Words) == 0:
			block.System = strings.TrimSpace(RemoveComment(line[i:]))
			return block, nil

		case isLetter(c):
			value, next := parseFloat(line, i+1)
			if next <= i+1 {
				return nil, fmt.Errorf("%w after %c at column %d", ErrBadNumber, c, i+1)
			}
			block.Words = append(block.Words, Word{Letter: toUpper(c), Value: value})
			i = next

		default:
			return nil, fmt.Errorf("%w at column %d: %q", ErrExpectedLetter, i+1, c)
		}
	}

	return block, nil
}

// RemoveComment strips "( ... )" and "; ..." comments and surrounding space
func RemoveComment(line string) string {
	var out strings.Builder
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ';':
			return strings.TrimSpace(out.String())
		case '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				return strings.TrimSpace(out.String())
			}
			i += end
		default:
			out.WriteByte(line[i])
		}
	}
	return strings.TrimSpace(out.String())
}

// ParseComment returns the text of the first comment on the line
func ParseComment(line string) string {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ';':
			return strings.TrimSpace(line[i+1:])
		case '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				return strings.TrimSpace(line[i+1:])
			}
			return strings.TrimSpace(line[i+1 : i+end])
		}
	}
	return ""
}

// parseFloat parses a floating-point number from the string starting at pos
func parseFloat(s string, pos int) (float64, int) {
	if pos >= len(s) {
		return 0, pos
	}

	negative := false
	if s[pos] == '-' {
		negative = true
		pos++
	} else if s[pos] == '+' {
		pos++
	}

	start := pos
	intPart := 0
	fracPart := 0.0
	fracDigits := 0

	for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
		intPart = intPart*10 + int(s[pos]-'0')
		pos++
	}

	if pos < len(s) && s[pos] == '.' {
		pos++
		fracStart := pos
		for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
			fracPart = fracPart*10.0 + float64(s[pos]-'0')
			pos++
		}
		fracDigits = pos - fracStart
	}

	if pos == start || (pos == start+1 && s[start] == '.') {
		return 0, start - 1 // No valid number found
	}

	value := float64(intPart)
	if fracDigits > 0 {
		divisor := 1.0
		for i := 0; i < fracDigits; i++ {
			divisor *= 10.0
		}
		value += fracPart / divisor
	}

	if negative {
		value = -value
	}

	return value, pos
}

// isLetter checks if a byte is a letter
func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// toUpper converts a byte to uppercase
func toUpper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
