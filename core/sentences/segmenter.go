// Package sentences splits streamed text into sentences for speech synthesis.
package sentences

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Extract returns the complete sentences at the start of text and the text
// that follows them.
//
// A sentence ends at '.', '!' or '?', optionally followed by a single closing
// quote, when the next character is whitespace or the end of text. Sentence
// punctuation that is not followed by whitespace (3.14, e.g.) does not end a
// sentence. Sentences are returned trimmed and empty ones are dropped. The
// remainder keeps its trailing whitespace so that it can be prefixed to the
// next chunk of streamed text without gluing words together.
func Extract(text string) (sentences []string, remainder string) {
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isTerminator(r) {
			continue
		}

		end := i
		if next, nextSize := utf8.DecodeRuneInString(text[end:]); end < len(text) && isClosingQuote(next) {
			if afterQuote := end + nextSize; isBoundary(text, afterQuote) {
				end = afterQuote
			}
		}
		if !isBoundary(text, end) {
			continue
		}

		if sentence := strings.TrimSpace(text[start:end]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = end
		i = end
	}

	if start == 0 {
		return nil, text
	}
	return sentences, strings.TrimLeftFunc(text[start:], unicode.IsSpace)
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClosingQuote(r rune) bool {
	return r == '"' || r == '\''
}

func isBoundary(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(r)
}

// Buffer accumulates streamed tokens and hands out sentences as soon as they
// are complete.
type Buffer struct {
	pending string
}

// Append adds token to the buffer and returns the sentences it completed.
func (b *Buffer) Append(token string) []string {
	b.pending += token
	sentences, remainder := Extract(b.pending)
	if len(sentences) > 0 {
		b.pending = remainder
	}
	return sentences
}

// Pending returns the text not yet returned as a sentence.
func (b *Buffer) Pending() string {
	return b.pending
}

// Flush empties the buffer and returns whatever was left, trimmed.
func (b *Buffer) Flush() string {
	remainder := strings.TrimSpace(b.pending)
	b.pending = ""
	return remainder
}

// Split turns a token sequence into a sentence sequence. The final partial
// sentence, if any, is yielded last.
func Split(tokens iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		buffer := Buffer{}
		for token := range tokens {
			for _, sentence := range buffer.Append(token) {
				if !yield(sentence) {
					return
				}
			}
		}
		if remainder := buffer.Flush(); remainder != "" {
			yield(remainder)
		}
	}
}
