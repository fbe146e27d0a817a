package gcode

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Stream is a forward-only source of commands owned by a single streamer
type Stream interface {
	// Ready reports whether Next can return a command
	Ready() bool

	// Next returns the next command, io.EOF when exhausted
	Next() (*Command, error)

	// RowsRemaining is the number of commands Next has not returned yet
	RowsRemaining() int

	io.Closer
}

// maxLineLength bounds a single line of a streamed file
const maxLineLength = 1 << 20

// sendable reports whether a line produces a command
func sendable(line string) bool {
	return RemoveComment(line) != ""
}

// FileStream reads commands lazily from a file. Rows are counted when the
// file is opened; open the file again to restart.
type FileStream struct {
	path    string
	file    *os.File
	scanner *bufio.Scanner
	total   int
	read    int
}

// OpenFileStream opens path and counts its sendable rows
func OpenFileStream(path string) (*FileStream, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gcode file: %w", err)
	}

	total, err := countRows(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read gcode file %s: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to rewind gcode file %s: %w", path, err)
	}

	return &FileStream{
		path:    path,
		file:    file,
		scanner: newScanner(file),
		total:   total,
	}, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	return scanner
}

func countRows(r io.Reader) (int, error) {
	scanner := newScanner(r)
	rows := 0
	for scanner.Scan() {
		if sendable(scanner.Text()) {
			rows++
		}
	}
	return rows, scanner.Err()
}

// Path returns the file being streamed
func (s *FileStream) Path() string { return s.path }

// Ready reports whether unread rows remain
func (s *FileStream) Ready() bool {
	return s.file != nil && s.read < s.total
}

// Next returns the next sendable row
func (s *FileStream) Next() (*Command, error) {
	if s.file == nil {
		return nil, os.ErrClosed
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !sendable(line) {
			continue
		}
		s.read++
		return NewCommandWithID(s.read, line), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read gcode file %s: %w", s.path, err)
	}
	// The file shrank since it was counted
	s.read = s.total
	return nil, io.EOF
}

// RowsRemaining returns the number of rows not yet read
func (s *FileStream) RowsRemaining() int {
	return s.total - s.read
}

// Close closes the underlying file
func (s *FileStream) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// SliceStream streams commands from memory
type SliceStream struct {
	lines []string
	pos   int
	id    int
}

// NewSliceStream creates a stream over the sendable lines given
func NewSliceStream(lines ...string) *SliceStream {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		for _, l := range strings.Split(line, "\n") {
			if sendable(l) {
				kept = append(kept, l)
			}
		}
	}
	return &SliceStream{lines: kept}
}

func (s *SliceStream) Ready() bool { return s.pos < len(s.lines) }

func (s *SliceStream) Next() (*Command, error) {
	if s.pos >= len(s.lines) {
		return nil, io.EOF
	}
	line := s.lines[s.pos]
	s.pos++
	s.id++
	return NewCommandWithID(s.id, line), nil
}

func (s *SliceStream) RowsRemaining() int { return len(s.lines) - s.pos }

func (s *SliceStream) Close() error {
	s.pos = len(s.lines)
	return nil
}
