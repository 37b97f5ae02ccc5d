package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// StepBar displays denoising progress for one stage of one sample.
type StepBar struct {
	mu      sync.Mutex
	message string
	current int
	total   int
	started time.Time
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

func (s *StepBar) Set(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(max(current, 0), s.total)
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var percent float64
	if s.total > 0 {
		percent = float64(s.current) / float64(s.total) * 100
	}

	// "prior   40% ▕████      ▏ 12/30 [3s, 4.00 it/s]"
	line := fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent,
		strings.Repeat("█", s.current), strings.Repeat(" ", s.total-s.current),
		s.current, s.total)

	if s.current > 0 {
		elapsed := time.Since(s.started)
		line += fmt.Sprintf(" [%s, %.2f it/s]", formatDuration(elapsed), float64(s.current)/elapsed.Seconds())
	}

	return line
}
