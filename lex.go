package mustach

// Low-level scanning helpers used by the compiler. Split into their own
// file the way observeinc-mustache separates lex.go from parse.go.

// standaloneEligible lists the tag kinds that never themselves produce
// output and are therefore candidates for standalone-line elision, per
// spec.md §4.1 step 3. Extends hayeah-mustache's SkipWhitespaceTagTypes
// ("#^/<>=!") with '$' (BLOCK). ':' is deliberately excluded: spec.md §9's
// Open Question resolution says the source marks the colon tag
// non-standalone (see SPEC_FULL.md §5), which overrides §4.1 step 3's
// otherwise-inclusive list.
const standaloneEligible = "!=#^/>$<"

func isStandaloneEligible(first byte) bool {
	for i := 0; i < len(standaloneEligible); i++ {
		if standaloneEligible[i] == first {
			return true
		}
	}
	return false
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

func isBlankByte(b byte) bool {
	return b == ' ' || b == '\t'
}

func isAllBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isBlankByte(s[i]) {
			return false
		}
	}
	return true
}

// trimSpan trims ASCII whitespace off both ends of data[start:end] and
// returns the narrowed span, operating on indices so callers can still
// encode a by-offset reference into the original text after trimming.
func trimSpan(data string, start, end int) (int, int) {
	for start < end && isSpaceByte(data[start]) {
		start++
	}
	for end > start && isSpaceByte(data[end-1]) {
		end--
	}
	return start, end
}

// countNewlines counts line breaks in s, treating CR, LF, and CRLF each as
// exactly one line break.
func countNewlines(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			n++
		case '\r':
			n++
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		}
	}
	return n
}

// splitAtLastNewline reports whether s contains a line break and, if so,
// the portion of s strictly after the last one (which may be empty).
func splitAtLastNewline(s string) (hasNL bool, tail string) {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '\n', '\r':
			return true, s[i+1:]
		}
	}
	return false, s
}
