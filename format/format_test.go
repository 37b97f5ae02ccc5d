package format

import (
	"testing"
	"time"
)

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:             "0 B",
		999:           "999 B",
		1000:          "1.0 KB",
		1_500_000:     "1.5 MB",
		3_900_000_000: "3.9 GB",
		2 * TeraByte:  "2.0 TB",
	}

	for input, want := range cases {
		if got := HumanBytes(input); got != want {
			t.Errorf("HumanBytes(%d) = %q, want %q", input, got, want)
		}
	}
}

func TestHumanNumber(t *testing.T) {
	cases := map[uint64]string{
		0:             "0",
		999:           "999",
		1000:          "1.00K",
		26_500:        "26.5K",
		1_000_000_000: "1.00B",
		125_000_000:   "125M",
	}

	for input, want := range cases {
		if got := HumanNumber(input); got != want {
			t.Errorf("HumanNumber(%d) = %q, want %q", input, got, want)
		}
	}
}

func TestHumanDuration(t *testing.T) {
	cases := map[time.Duration]string{
		500 * time.Millisecond: "Less than a second",
		time.Second:            "1 second",
		42 * time.Second:       "42 seconds",
		90 * time.Second:       "About a minute",
		15 * time.Minute:       "15 minutes",
		3 * time.Hour:          "3 hours",
		72 * time.Hour:         "3 days",
	}

	for input, want := range cases {
		if got := HumanDuration(input); got != want {
			t.Errorf("HumanDuration(%v) = %q, want %q", input, got, want)
		}
	}
}

func TestHumanTime(t *testing.T) {
	if got := HumanTime(time.Time{}, "Never"); got != "Never" {
		t.Errorf("zero time = %q", got)
	}

	if got := HumanTime(time.Now().Add(-10*time.Minute), "Never"); got != "10 minutes ago" {
		t.Errorf("past = %q", got)
	}
}
