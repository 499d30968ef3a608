// Package pinentry implements token.PinCallback for the command line.
package pinentry

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const DefaultPrompt = "Enter token PIN"

// Terminal reads the PIN without echo when attached to a terminal and one
// line at a time otherwise. An empty PIN is asked again; end of input
// cancels.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	read    func() ([]byte, error)
	newline bool
	next    string
}

// NewTerminal reads from in, which is usually os.Stdin.
func NewTerminal(in *os.File, out io.Writer) *Terminal {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return NewReader(in, out)
	}
	return &Terminal{
		out:     out,
		read:    func() ([]byte, error) { return term.ReadPassword(fd) },
		newline: true,
	}
}

// NewReader reads PINs as lines from r. Input is consumed one byte at a
// time, so no copy of the PIN stays behind in a read buffer and bytes after
// the line are left in r.
func NewReader(r io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		out:  out,
		read: func() ([]byte, error) { return readLine(r) },
	}
}

func readLine(r io.Reader) ([]byte, error) {
	var b [1]byte
	defer clear(b[:])

	line := make([]byte, 0, 32)
	for {
		n, err := r.Read(b[:])
		if n > 0 {
			switch b[0] {
			case '\n':
				return line, nil
			case '\r':
			default:
				line = appendWiped(line, b[0])
			}
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			clear(line)
			return nil, err
		}
	}
}

// appendWiped appends c to line, wiping the old backing array when it has
// to grow.
func appendWiped(line []byte, c byte) []byte {
	if len(line) < cap(line) {
		return append(line, c)
	}
	grown := make([]byte, len(line), 2*cap(line)+1)
	copy(grown, line)
	clear(line)
	return append(grown, c)
}

// SetPrompt replaces the prompt of the next request only.
func (t *Terminal) SetPrompt(prompt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = prompt
}

func (t *Terminal) RequestPIN() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prompt := DefaultPrompt
	if t.next != "" {
		prompt = t.next
		t.next = ""
	}
	for {
		fmt.Fprintf(t.out, "%s: ", prompt)
		pin, err := t.read()
		if t.newline {
			fmt.Fprintln(t.out)
		}
		if err != nil {
			return nil, false
		}
		if len(pin) > 0 {
			return pin, true
		}
		prompt = "PIN cannot be empty. " + DefaultPrompt
	}
}

// Callback adapts a function to token.PinCallback. The function receives
// the prompt set since the previous request, or "" for a first request.
type Callback struct {
	mu     sync.Mutex
	fn     func(prompt string) ([]byte, bool)
	prompt string
}

func FromFunc(fn func(prompt string) ([]byte, bool)) *Callback {
	return &Callback{fn: fn}
}

// Static answers every request with a copy of pin. An empty pin cancels.
func Static(pin string) *Callback {
	return FromFunc(func(string) ([]byte, bool) {
		if pin == "" {
			return nil, false
		}
		return []byte(pin), true
	})
}

func (c *Callback) SetPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt = prompt
}

func (c *Callback) RequestPIN() ([]byte, bool) {
	c.mu.Lock()
	prompt := c.prompt
	c.prompt = ""
	c.mu.Unlock()
	return c.fn(prompt)
}
