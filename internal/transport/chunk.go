package transport

import "unicode/utf8"

// SplitLimits controls how reply text is split for delivery. Chat clients
// collapse very long messages, so the first piece can use a tighter soft cap
// than the rest; Hard is the platform's absolute per-message maximum.
type SplitLimits struct {
	First int // soft cap for the first piece; 0 means Hard
	Rest  int // soft cap for later pieces; 0 means Hard
	Hard  int // platform maximum per message
}

const defaultHardLimit = 4096

// SplitMessage splits text into deliverable pieces. It prefers breaking at a
// newline in the second half of the window and never splits a UTF-8 rune.
func SplitMessage(text string, l SplitLimits) []string {
	hard := l.Hard
	if hard <= 0 {
		hard = defaultHardLimit
	}
	first := l.First
	if first <= 0 || first > hard {
		first = hard
	}
	rest := l.Rest
	if rest <= 0 || rest > hard {
		rest = hard
	}

	if text == "" {
		return nil
	}
	if len(text) <= first {
		return []string{text}
	}

	var parts []string
	limit := first
	for len(text) > 0 {
		if len(text) <= limit {
			parts = append(parts, text)
			break
		}

		// Look for a newline in the second half of the window.
		window := text[:limit]
		breakAt := -1
		for i := limit - 1; i >= limit/2; i-- {
			if window[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			parts = append(parts, text[:breakAt])
			text = text[breakAt+1:] // skip the newline
		} else {
			cut := limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			parts = append(parts, text[:cut])
			text = text[cut:]
		}
		limit = rest
	}
	return parts
}
