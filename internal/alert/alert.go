// Package alert provides the local visual and audible alert primitives.
package alert

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Alerter shows alerts to the patient. onAck is invoked at most once, when
// the patient acknowledges the visual alert.
type Alerter interface {
	RaiseVisual(title, body string, onAck func())
	PlayAudible()
	StopAudible()
}

// Log is an Alerter that only records alerts in the log. It is used where no
// patient is watching, such as the server-side sweep.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log alerter
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// RaiseVisual implements Alerter
func (l *Log) RaiseVisual(title, body string, _ func()) {
	l.logger.Info("visual alert", zap.String("title", title), zap.String("body", body))
}

// PlayAudible implements Alerter
func (l *Log) PlayAudible() { l.logger.Debug("audible alert started") }

// StopAudible implements Alerter
func (l *Log) StopAudible() { l.logger.Debug("audible alert stopped") }

// Terminal renders alerts on a terminal. Each alert gets a number; typing
// the number followed by Enter acknowledges it. The audible alert is the
// terminal bell, repeated every BellInterval while playing.
type Terminal struct {
	out   io.Writer
	clock clockwork.Clock

	// BellInterval spaces the bell while the audible alert plays
	BellInterval time.Duration

	mu      sync.Mutex
	next    int
	pending map[int]func()
	ringing chan struct{}
}

// NewTerminal creates a Terminal alerter writing to out
func NewTerminal(out io.Writer, clock clockwork.Clock) *Terminal {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Terminal{
		out:          out,
		clock:        clock,
		BellInterval: 2 * time.Second,
		pending:      make(map[int]func()),
	}
}

// RaiseVisual implements Alerter
func (t *Terminal) RaiseVisual(title, body string, onAck func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	n := t.next
	if onAck != nil {
		t.pending[n] = onAck
		fmt.Fprintf(t.out, "\n[%d] %s\n    %s\n    type %d and press Enter once taken\n", n, title, body, n)
		return
	}
	fmt.Fprintf(t.out, "\n[%d] %s\n    %s\n", n, title, body)
}

// PlayAudible implements Alerter
func (t *Terminal) PlayAudible() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ringing != nil {
		return
	}
	stop := make(chan struct{})
	t.ringing = stop
	go func() {
		ticker := t.clock.NewTicker(t.BellInterval)
		defer ticker.Stop()
		for {
			t.bell()
			select {
			case <-stop:
				return
			case <-ticker.Chan():
			}
		}
	}()
}

// StopAudible implements Alerter
func (t *Terminal) StopAudible() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ringing != nil {
		close(t.ringing)
		t.ringing = nil
	}
}

func (t *Terminal) bell() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\a")
}

// Acknowledge fires the callback registered for alert n. It reports whether
// such an alert was still waiting.
func (t *Terminal) Acknowledge(n int) bool {
	t.mu.Lock()
	onAck, ok := t.pending[n]
	delete(t.pending, n)
	t.mu.Unlock()

	if ok {
		onAck()
	}
	return ok
}

// Pending lists the alert numbers awaiting acknowledgment
func (t *Terminal) Pending() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]int, 0, len(t.pending))
	for n := range t.pending {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ReadAcknowledgments reads alert numbers from r, one per line, until r is
// exhausted or ctx is done.
func (t *Terminal) ReadAcknowledgments(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			n, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil {
				continue
			}
			if !t.Acknowledge(n) {
				t.mu.Lock()
				fmt.Fprintf(t.out, "no alert %d is waiting\n", n)
				t.mu.Unlock()
			}
		}
	}
}
