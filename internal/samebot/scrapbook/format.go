package scrapbook

import (
	"fmt"
	"strings"
)

// FormatEntry renders an entry as a quote block with attribution.
func FormatEntry(m Memory) string {
	var b strings.Builder
	for _, line := range strings.Split(m.KeyMessage, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "- %s, %s", m.Author, m.CreatedAt.Format("Jan 2, 2006"))
	return b.String()
}

// FormatContext renders the conversation saved around an entry, marking the
// key message.
func FormatContext(m Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "the conversation around %q (%s):\n", truncate(m.KeyMessage, 80), m.CreatedAt.Format("Jan 2, 2006"))
	marked := false
	for _, c := range m.Context {
		prefix := "  "
		if !marked && c.Author == m.Author && c.Content == m.KeyMessage {
			prefix = "→ "
			marked = true
		}
		fmt.Fprintf(&b, "%s%s [%s]: %s\n", prefix, c.Author, c.Timestamp.Format("15:04"), c.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
