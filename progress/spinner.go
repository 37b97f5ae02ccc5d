package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var spinnerParts = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner marks a step of unknown length, such as loading the networks.
// Once stopped it shows how long the step took.
type Spinner struct {
	mu      sync.Mutex
	message string
	value   int

	started time.Time
	stopped time.Time

	done chan struct{}
	once sync.Once
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		message: strings.TrimSpace(message),
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go s.start()
	return s
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if s.message != "" {
		sb.WriteString(s.message)
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		sb.WriteString(spinnerParts[s.value])
		sb.WriteString(" ")
	} else {
		fmt.Fprintf(&sb, "(%s)", formatDuration(s.stopped.Sub(s.started)))
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.value = (s.value + 1) % len(spinnerParts)
			s.mu.Unlock()
		}
	}
}

// Stop freezes the spinner. It is safe to call more than once.
func (s *Spinner) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = time.Now()
		s.mu.Unlock()
		close(s.done)
	})
}
