package msgkit

import (
	"strings"
	"unicode/utf8"
)

// DefaultMessageLimit is a safe per-message size in runes. Telegram caps a
// single message at 4096 characters; we stay under it to leave headroom for
// wrappers added later.
const DefaultMessageLimit = 4000

// SplitLines packs logical entries into as few message blocks as possible
// without ever splitting an entry across blocks, unless a single entry is
// itself over the limit (then it is hard-split on rune boundaries).
//
// Entries are joined with a newline inside a block. Empty input yields nil.
func SplitLines(entries []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	var blocks []string
	var cur strings.Builder
	curRunes := 0

	flush := func() {
		if curRunes > 0 {
			blocks = append(blocks, cur.String())
			cur.Reset()
			curRunes = 0
		}
	}

	for _, e := range entries {
		n := utf8.RuneCountInString(e)
		if n > limit {
			// Oversized entry: flush what we have, then hard-split it.
			flush()
			blocks = append(blocks, hardSplit(e, limit)...)
			continue
		}
		// +1 for the joining newline when the block is non-empty.
		sep := 0
		if curRunes > 0 {
			sep = 1
		}
		if curRunes+sep+n > limit {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur.WriteByte('\n')
			curRunes++
		}
		cur.WriteString(e)
		curRunes += n
	}
	flush()
	return blocks
}

// hardSplit cuts s into rune-safe chunks of at most limit runes, preferring
// a newline boundary in the back third of the window.
func hardSplit(s string, limit int) []string {
	var out []string
	for len(s) > 0 {
		runes := 0
		end := 0
		lastNL := -1
		lastNLRunes := 0
		for end < len(s) && runes < limit {
			r, size := utf8.DecodeRuneInString(s[end:])
			if r == '\n' {
				lastNL = end + size
				lastNLRunes = runes + 1
			}
			runes++
			end += size
		}
		if end < len(s) && lastNL != -1 && lastNLRunes >= limit/3 {
			end = lastNL
		}
		out = append(out, strings.TrimRight(s[:end], "\n"))
		s = s[end:]
		for len(s) > 0 {
			r, size := utf8.DecodeRuneInString(s)
			if r != '\n' {
				break
			}
			s = s[size:]
		}
	}
	return out
}
