package rpctest

import (
	"bytes"
	"strings"
	"sync"
)

// lineRing is an io.Writer keeping the last lines written to it. It is used
// to hold the tail of a child process' output without letting a chatty node
// grow memory without bound.
type lineRing struct {
	mtx     sync.Mutex
	lines   []string
	next    int
	full    bool
	partial bytes.Buffer
}

// newLineRing returns a ring holding at most size lines.
func newLineRing(size int) *lineRing {
	if size <= 0 {
		size = 1
	}
	return &lineRing{lines: make([]string, size)}
}

// Write splits p into lines. A trailing line without newline is held back
// until it is completed, but still shows up in Lines.
func (r *lineRing) Write(p []byte) (int, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			r.partial.Write(p)
			break
		}
		r.partial.Write(p[:i])
		r.pushLocked(strings.TrimRight(r.partial.String(), "\r"))
		r.partial.Reset()
		p = p[i+1:]
	}
	return n, nil
}

// pushLocked appends a complete line, evicting the oldest when full.
//
// NOTE: The mutex MUST be held when calling this method.
func (r *lineRing) pushLocked(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (r *lineRing) Lines() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	if r.partial.Len() > 0 {
		out = append(out, r.partial.String())
	}
	return out
}

// Tail returns at most the last n retained lines.
func (r *lineRing) Tail(n int) []string {
	lines := r.Lines()
	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// String returns the retained output joined by newlines.
func (r *lineRing) String() string {
	return strings.Join(r.Lines(), "\n")
}
