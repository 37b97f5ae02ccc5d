package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/jmorganca/cascade/format"
)

// Bar displays the bytes received for one weight file. A total of zero or
// less means the size is unknown and only the received bytes are shown.
type Bar struct {
	mu      sync.Mutex
	message string

	total   int64
	initial int64
	current int64

	started time.Time

	// rate is sampled at most once a second
	rate      int64
	rateValue int64
	rated     time.Time
}

func NewBar(message string, total, initial int64) *Bar {
	return &Bar{
		message:   strings.TrimSpace(message),
		total:     total,
		initial:   initial,
		current:   initial,
		rateValue: initial,
		started:   time.Now(),
	}
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) Set(value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total > 0 {
		value = min(value, b.total)
	}

	b.current = max(value, 0)
}

func (b *Bar) percent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.percentLocked()
}

func (b *Bar) percentLocked() float64 {
	if b.total > 0 {
		return float64(b.current) / float64(b.total) * 100
	}

	return 0
}

// sample updates the byte rate once a second and returns it with the
// estimated time remaining.
func (b *Bar) sample() (int64, time.Duration) {
	if since := time.Since(b.rated); since >= time.Second {
		if !b.rated.IsZero() {
			b.rate = int64(float64(b.current-b.rateValue) / since.Seconds())
		}
		b.rateValue = b.current
		b.rated = time.Now()
	}

	if b.rate <= 0 || b.total <= 0 {
		return b.rate, 0
	}

	return b.rate, time.Duration(float64(b.total-b.current) / float64(b.rate) * float64(time.Second))
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var pre, mid, suf strings.Builder
	if b.message != "" {
		pre.WriteString(b.message)
		pre.WriteString(" ")
	}

	percent := b.percentLocked()
	if b.total > 0 {
		fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(percent))
		fmt.Fprintf(&suf, "(%s/%s", format.HumanBytes(b.current), format.HumanBytes(b.total))
	} else {
		fmt.Fprintf(&suf, "(%s", format.HumanBytes(b.current))
	}

	inflight := b.current > b.initial && (b.total <= 0 || b.current < b.total)

	rate, remaining := b.sample()
	if inflight && rate > 0 {
		fmt.Fprintf(&suf, ", %s/s", format.HumanBytes(rate))
	}
	suf.WriteString(")")

	var timing string
	if inflight {
		timing = "[" + formatDuration(time.Since(b.started))
		if remaining > 0 {
			timing += ":" + formatDuration(remaining)
		}
		timing += "]"
	}

	// the stats on the right of the bar take at most 44 columns
	if pad := 44 - suf.Len() - len(timing); pad > 0 {
		suf.WriteString(strings.Repeat(" ", pad))
	}
	suf.WriteString(timing)

	// 2 boundary characters and 1 trailing space
	if f := termWidth - pre.Len() - suf.Len() - 3; f > 0 && b.total > 0 {
		n := min(int(float64(f)*percent/100), f)
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		mid.WriteString(strings.Repeat(" ", f-n))
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
