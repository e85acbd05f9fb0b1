package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinterPlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Headerf("section %d", 1)
	p.Successf("ok")
	p.Warnf("careful")
	p.Errorf("broken")
	p.KV("label", "value")
	p.Plainf("plain %s", "line")

	out := buf.String()
	// Non-terminal writers get no ANSI escapes.
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "section 1")
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "careful")
	assert.Contains(t, out, "broken")
	assert.Contains(t, out, "label:")
	assert.Contains(t, out, "value")
	assert.Contains(t, out, "plain line")
}

func TestPrinterKVAlignment(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.KV("a", 1)
	p.KV("longer_label", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	// Values line up at the same column for short labels.
	assert.Contains(t, lines[0], "a:")
	assert.Contains(t, lines[1], "longer_label:")
}
