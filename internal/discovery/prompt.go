package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chaz8081/bletrigger/internal/ble"
)

// Prompt is a terminal Interactor. It lists candidates on out and reads the
// chosen number from in. An empty line or "q" cancels.
//
// A single goroutine owns in, so callers that also read commands from the
// same terminal should do so through ReadLine.
type Prompt struct {
	in  *bufio.Scanner
	out io.Writer

	once  sync.Once
	lines chan string
}

// NewPrompt returns a Prompt reading from in and writing to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewScanner(in), out: out, lines: make(chan string)}
}

var _ Interactor = (*Prompt)(nil)

func (p *Prompt) Choose(ctx context.Context, candidates []ble.Device) (ble.Device, error) {
	if len(candidates) == 0 {
		return ble.Device{}, ErrNoDevice
	}

	fmt.Fprintln(p.out, "Select a device:")
	for i, d := range candidates {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(p.out, "  [%d] %s  %s  RSSI %d\n", i+1, name, d.Address, d.RSSI)
	}

	for {
		fmt.Fprint(p.out, "Device number (enter to cancel): ")
		line, err := p.ReadLine(ctx)
		if err == io.EOF {
			return ble.Device{}, ErrUserCancelled
		}
		if err != nil {
			return ble.Device{}, err
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "q") {
			return ble.Device{}, ErrUserCancelled
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(candidates) {
			fmt.Fprintf(p.out, "Enter a number between 1 and %d.\n", len(candidates))
			continue
		}
		return candidates[n-1], nil
	}
}

// ReadLine returns the next input line without its newline. It returns
// io.EOF once input is exhausted and ctx.Err() if ctx ends first.
func (p *Prompt) ReadLine(ctx context.Context) (string, error) {
	p.once.Do(func() { go p.pump() })
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Prompt) pump() {
	defer close(p.lines)
	for p.in.Scan() {
		p.lines <- p.in.Text()
	}
}
