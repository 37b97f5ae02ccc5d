package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const LevelTrace slog.Level = -8

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				switch attr.Value.Any().(slog.Level) {
				case LevelTrace:
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

type key string

func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := runtime.Caller(1 + skip)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}

// Elapsed returns an attribute holding the time since start rounded to the millisecond.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start).Round(time.Millisecond))
}

// Values summarizes data, typically a latent, as a group of count, mean,
// standard deviation, min and max. The summary is only computed when the
// record is emitted.
func Values(key string, data []float32) slog.Attr {
	return slog.Any(key, summary(data))
}

type summary []float32

func (s summary) LogValue() slog.Value {
	if len(s) == 0 {
		return slog.GroupValue(slog.Int("n", 0))
	}

	xs := make([]float64, len(s))
	for i, v := range s {
		xs[i] = float64(v)
	}

	mean, std := stat.MeanStdDev(xs, nil)
	return slog.GroupValue(
		slog.Int("n", len(xs)),
		slog.Float64("mean", mean),
		slog.Float64("std", std),
		slog.Float64("min", floats.Min(xs)),
		slog.Float64("max", floats.Max(xs)),
	)
}
