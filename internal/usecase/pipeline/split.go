package pipeline

import "strings"

// splitChunks cuts text into line-aligned chunks of at most budget bytes.
// Cuts land on the last newline inside the budget, so no line is ever split
// across two chunks. A single line longer than the budget travels as one
// oversized chunk. The final chunk may end without a newline.
func splitChunks(text string, budget int) []string {
	var chunks []string
	for len(text) > budget {
		cut := strings.LastIndexByte(text[:budget], '\n')
		if cut < 0 {
			// The first line alone exceeds the budget. Extend the cut to its
			// terminating newline so the line stays whole.
			nl := strings.IndexByte(text[budget:], '\n')
			if nl < 0 {
				break
			}
			cut = budget + nl
		}
		chunks = append(chunks, text[:cut+1])
		text = text[cut+1:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
