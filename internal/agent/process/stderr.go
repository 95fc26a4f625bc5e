package process

import (
	"regexp"
	"sync"
)

// DefaultStderrLines is how many trailing stderr lines are kept for failure reports.
const DefaultStderrLines = 20

// maxStderrLineLen caps a single retained line.
const maxStderrLineLen = 4096

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// tailBuffer is a fixed-size ring of the most recent lines.
type tailBuffer struct {
	mu    sync.RWMutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultStderrLines
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) append(line string) {
	line = stripANSI(line)
	if len(line) > maxStderrLineLen {
		line = line[:maxStderrLineLen]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) >= b.max {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

func (b *tailBuffer) snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
