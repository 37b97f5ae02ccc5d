package imagegen

import (
	"fmt"
	"strings"
)

// OutputFilename derives the file written for sample idx (1-based) of n.
// The index is only added when n > 1; timestep, when set, adds a
// "-<timestep>" suffix.
func OutputFilename(base string, idx, n int, timestep *int) string {
	name := base
	if n > 1 {
		name = withSuffix(name, fmt.Sprintf(".%d", idx))
	}

	if timestep != nil {
		name = withSuffix(name, fmt.Sprintf("-%d", *timestep))
	}

	return name
}

// withSuffix inserts suffix before the extension of name. Names without
// an extension get ".png".
func withSuffix(name, suffix string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name + suffix + ".png"
	}

	return name[:i] + suffix + name[i:]
}
