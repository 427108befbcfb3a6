package stages

import "strings"

// span is one chunk boundary within the source text.
type span struct {
	start, end int
}

// splitText slices text into chunks of at most maxLen characters, breaking
// on paragraph boundaries where possible so chunks stay coherent for the
// NLP services. A paragraph longer than maxLen is hard-split.
func splitText(text string, maxLen int) []span {
	if maxLen <= 0 {
		maxLen = 2000
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var spans []span
	start := 0
	for start < len(text) {
		end := start + maxLen
		if end >= len(text) {
			spans = append(spans, span{start, len(text)})
			break
		}
		// Prefer the last paragraph break inside the window, then the last
		// sentence end, then a hard cut.
		window := text[start:end]
		cut := strings.LastIndex(window, "\n\n")
		if cut < maxLen/4 {
			if i := strings.LastIndex(window, ". "); i > maxLen/4 {
				cut = i + 1 // keep the period with the chunk
			} else {
				cut = -1
			}
		}
		if cut <= 0 {
			cut = maxLen
		}
		spans = append(spans, span{start, start + cut})
		start += cut
		// Skip whitespace between chunks.
		for start < len(text) && (text[start] == '\n' || text[start] == ' ') {
			start++
		}
	}
	return spans
}
