package output

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
)

// maxLineSize bounds a single line; engines occasionally print very long
// JSON documents on one line. Anything past it is dropped.
const maxLineSize = 1024 * 1024

// ReadLines returns all lines currently in the file at path. A file that
// doesn't exist yet has no lines.
func ReadLines(path string) ([]string, error) {
	return Tail(path, 0)
}

// Tail returns the last n lines of the file at path, or all of them when n
// is 0 or less.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}
	defer f.Close()

	return tailLines(f, n)
}

// TailAt is Tail that also returns the offset it read up to, so following
// the file can resume exactly after the returned lines.
func TailAt(path string, n int) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}

		return nil, 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	lines, err := tailLines(io.LimitReader(f, fi.Size()), n)
	if err != nil {
		return nil, 0, err
	}

	return lines, fi.Size(), nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	lr := newLineReader(r)

	var buf []string
	if n > 0 {
		buf = make([]string, 0, n)
	}

	for {
		line, err := lr.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}

			return nil, err
		}

		if n <= 0 || len(buf) < n {
			buf = append(buf, line)
			continue
		}

		copy(buf, buf[1:])
		buf[n-1] = line
	}
}

// lineReader splits a stream into lines. Unlike bufio.Scanner it truncates
// a line longer than maxLineSize instead of giving up on the stream.
type lineReader struct {
	r    *bufio.Reader
	line []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next line without its line ending. A last line with no
// newline is returned before io.EOF.
func (lr *lineReader) next() (string, error) {
	lr.line = lr.line[:0]
	read := false

	for {
		chunk, err := lr.r.ReadSlice('\n')
		read = read || len(chunk) > 0

		terminated := err == nil
		if terminated {
			chunk = chunk[:len(chunk)-1]
		}

		if room := maxLineSize - len(lr.line); room > 0 {
			lr.line = append(lr.line, chunk[:min(len(chunk), room)]...)
		}

		switch {
		case terminated:
			return string(bytes.TrimSuffix(lr.line, []byte{'\r'})), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && read:
			return string(bytes.TrimSuffix(lr.line, []byte{'\r'})), nil
		default:
			return "", err
		}
	}
}
