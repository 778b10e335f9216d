package mustach

import "strings"

// secFrame tracks one open {{#}}/{{^}}/{{<}}/{{$}} on the compiler's
// section stack, mirroring the bookkeeping original_source/mustach2.c's
// encoder keeps per nesting level, adapted to a flat Word vector instead of
// chained blocks (see DESIGN.md and SPEC_FULL.md §5).
type secFrame struct {
	name string
	line int
	op   Opcode // OpWhile, OpUnless, OpParent, or OpBlock

	// emitted is false when this frame's own opcode was suppressed because
	// it is nested directly inside an OpParent body (only its overriding
	// OpBlock children still emit). endSlot/headAddr are meaningless when
	// emitted is false.
	emitted  bool
	endSlot  int     // code index of this frame's reserved end-address word
	headAddr Address // loop-head address WHILE's matching OpNext jumps back to

	// suppress is the suppress state this frame's own body runs under: true
	// inside a PARENT's direct (non-BLOCK) content, inherited otherwise.
	suppress bool

	// opAddr and bodyTextStart record, for an OpWhile frame only, the
	// section's own opcode address and the source offset immediately
	// following its opening tag, so closeSection can capture the section's
	// raw, uncompiled body text (source[bodyTextStart:closeTagStart]) for
	// lambda-section support (SPEC_FULL.md §4 item 1) — the bytecode IR
	// otherwise has no use for the literal body text once compiled.
	opAddr        Address
	bodyTextStart int
}

// compileOptions configures a single Compile call.
type compileOptions struct {
	maxDepth int
}

// CompileOption customizes Compile's limits.
type CompileOption func(*compileOptions)

// WithMaxDepth overrides DefaultMaxDepth for one compilation.
func WithMaxDepth(n int) CompileOption {
	return func(o *compileOptions) { o.maxDepth = n }
}

type compiler struct {
	data       string
	otag, ctag string
	pos        int
	line       int
	standalone bool // true while everything since the last newline, up to pos, has been blank
	flags      BuildFlags
	maxDepth   int
	code       []Word
	stack      []secFrame

	// sectionText records, per OpWhile opcode address, the source span of
	// that section's raw body text (see secFrame.opAddr/bodyTextStart),
	// lazily allocated since most templates use no lambda sections.
	sectionText map[Address][2]int
}

// Compile scans template text into a Template IR, per spec.md §4.1. name is
// an optional label carried on the resulting Template for diagnostics.
func Compile(text string, flags BuildFlags, name string, opts ...CompileOption) (*Template, error) {
	o := compileOptions{maxDepth: DefaultMaxDepth}
	for _, f := range opts {
		f(&o)
	}
	c := &compiler{
		data:       text,
		otag:       "{{",
		ctag:       "}}",
		line:       1,
		standalone: true,
		flags:      flags,
		maxDepth:   o.maxDepth,
	}
	if err := c.run(); err != nil {
		return nil, err
	}
	return &Template{Source: text, Code: c.code, Name: name, Flags: flags, sectionText: c.sectionText}, nil
}

func (c *compiler) textInline() bool { return c.flags&NullTermText != 0 }
func (c *compiler) tagInline() bool  { return c.flags&NullTermTag != 0 }

func (c *compiler) suppressed() bool {
	if len(c.stack) == 0 {
		return false
	}
	return c.stack[len(c.stack)-1].suppress
}

// emitRef appends an opcode word plus its text/tag reference words. inline
// selects whether the referenced bytes are packed in place or stored as an
// offset into the template source.
func (c *compiler) emitRef(op Opcode, start, end int, inline bool, line int) error {
	length := end - start
	if length < 0 {
		length = 0
	}
	if uint32(length) > TagValueMax {
		return newErr(KindTooBig, line, "reference of length %d exceeds maximum %d", length, TagValueMax)
	}
	c.code = append(c.code, mkWord(op, uint32(length)))
	if inline {
		c.code = append(c.code, packInline(c.data[start:end])...)
	} else {
		if uint64(start) > uint64(WordMax) {
			return newErr(KindTooBig, line, "source offset %d exceeds maximum", start)
		}
		c.code = append(c.code, Word(uint32(start)))
	}
	return nil
}

func (c *compiler) emitText(start, end int) error {
	if end <= start || c.suppressed() {
		return nil
	}
	return c.emitRef(OpText, start, end, c.textInline(), c.line)
}

// run is the single linear scan over the whole template: text, then a tag,
// repeated until EOF. Sections don't recurse the scanner — they just push a
// frame onto c.stack and the loop continues, which is why nesting depth is
// enforced in pushSection rather than by Go call-stack recursion.
func (c *compiler) run() error {
	for c.pos < len(c.data) {
		segStart := c.pos
		relIdx := strings.Index(c.data[c.pos:], c.otag)
		if relIdx < 0 {
			text := c.data[segStart:]
			c.line += countNewlines(text)
			if err := c.emitText(segStart, len(c.data)); err != nil {
				return err
			}
			c.pos = len(c.data)
			break
		}
		tagStart := c.pos + relIdx
		pre := c.data[segStart:tagStart]
		c.line += countNewlines(pre)

		textEndOff, padStart, padEnd, mayStandalone := c.splitForTag(segStart, pre)

		c.pos = tagStart + len(c.otag)
		tag, err := c.readTag()
		if err != nil {
			return err
		}

		finalStandalone := false
		if mayStandalone && isStandaloneEligible(tag.firstByte) {
			if end, ok := c.peekTrailingStandalone(); ok {
				consumed := c.data[c.pos:end]
				c.line += countNewlines(consumed)
				c.pos = end
				finalStandalone = true
			}
		}

		var prefixStart, prefixEnd int
		if finalStandalone {
			if err := c.emitText(segStart, textEndOff); err != nil {
				return err
			}
			prefixStart, prefixEnd = padStart, padEnd
			c.standalone = true
		} else {
			if err := c.emitText(segStart, tagStart); err != nil {
				return err
			}
			prefixStart, prefixEnd = 0, 0
			c.standalone = false
		}

		if err := c.dispatch(tag, prefixStart, prefixEnd, tagStart); err != nil {
			return err
		}
	}

	if len(c.stack) > 0 {
		top := c.stack[len(c.stack)-1]
		return newErr(KindUnexpectedEnd, top.line, "section %q has no closing tag", top.name)
	}

	c.code = append(c.code, mkWord(OpStop, 0), mkWord(OpStop, 0))
	return nil
}

// splitForTag decides, given the literal text since the last tag (or start
// of template) and its absolute start offset, whether a following
// standalone-eligible tag may still qualify as standalone, and if so where
// the "text" part ends and the leading-whitespace "pad" span begins. See
// spec.md §4.1 step 1 and step 3.
func (c *compiler) splitForTag(segStart int, s string) (textEnd, padStart, padEnd int, standalone bool) {
	hasNL, tail := splitAtLastNewline(s)
	if hasNL {
		if isAllBlank(tail) {
			te := segStart + len(s) - len(tail)
			return te, te, segStart + len(s), true
		}
		return segStart + len(s), 0, 0, false
	}
	if c.standalone && isAllBlank(s) {
		return segStart, segStart, segStart + len(s), true
	}
	return segStart + len(s), 0, 0, false
}

// peekTrailingStandalone looks, from c.pos (just past a tag's close
// delimiter), for only blank bytes up to the next newline or EOF. If found
// it returns the position just past the consumed whitespace and newline.
func (c *compiler) peekTrailingStandalone() (end int, ok bool) {
	i := c.pos
	for i < len(c.data) && isBlankByte(c.data[i]) {
		i++
	}
	if i >= len(c.data) {
		return i, true
	}
	switch c.data[i] {
	case '\n':
		return i + 1, true
	case '\r':
		if i+1 < len(c.data) && c.data[i+1] == '\n' {
			return i + 2, true
		}
		return i + 1, true
	}
	return 0, false
}

// tagKind classifies a scanned tag.
type tagKind int

const (
	tagComment tagKind = iota
	tagDelimiter
	tagVarEscaped
	tagVarRaw
	tagSectionBegin
	tagInvertedBegin
	tagClose
	tagPartial
	tagBlockBegin
	tagParentBegin
	tagColon
)

type scannedTag struct {
	kind      tagKind
	firstByte byte
	nameStart int
	nameEnd   int
	newOtag   string
	newCtag   string
}

func (t *scannedTag) name(data string) string { return data[t.nameStart:t.nameEnd] }

// readTag parses one {{...}} tag starting at c.pos (just past the open
// delimiter) and advances c.pos to just past its close delimiter.
func (c *compiler) readTag() (*scannedTag, error) {
	line := c.line
	raw := c.pos < len(c.data) && c.data[c.pos] == '{'
	closeSeq := c.ctag
	if raw {
		closeSeq = "}" + c.ctag
	}
	rel := strings.Index(c.data[c.pos:], closeSeq)
	if rel < 0 {
		return nil, newErr(KindUnexpectedEnd, line, "unmatched open tag")
	}
	contentStart := c.pos
	var bodyEnd, after int
	if raw {
		after = c.pos + rel + len(closeSeq)
		bodyEnd = after - len(c.ctag)
	} else {
		bodyEnd = c.pos + rel
		after = bodyEnd + len(closeSeq)
	}
	c.line += countNewlines(c.data[contentStart:after])

	ts, te := trimSpan(c.data, contentStart, bodyEnd)
	if ts >= te {
		if c.flags&WithEmptyTag == 0 {
			return nil, newErr(KindEmptyTag, line, "empty tag")
		}
		c.pos = after
		return &scannedTag{kind: tagVarEscaped, nameStart: ts, nameEnd: ts}, nil
	}

	first := c.data[ts]
	tag := &scannedTag{firstByte: first}

	switch {
	case first == '!':
		tag.kind = tagComment

	case first == '=':
		if te-ts < 2 || c.data[te-1] != '=' {
			return nil, newErr(KindBadDelimiter, line, "malformed delimiter tag")
		}
		bs, be := trimSpan(c.data, ts+1, te-1)
		fields := strings.Fields(c.data[bs:be])
		if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
			return nil, newErr(KindBadDelimiter, line, "delimiter tag must name two non-empty delimiters")
		}
		tag.kind = tagDelimiter
		tag.newOtag, tag.newCtag = fields[0], fields[1]

	case first == '{':
		if c.data[te-1] != '}' {
			return nil, newErr(KindBadUnescapeTag, line, "malformed triple-mustache tag")
		}
		tag.kind = tagVarRaw
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te-1)

	case first == '&':
		tag.kind = tagVarRaw
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	case first == '^':
		tag.kind = tagInvertedBegin
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	case first == '#':
		tag.kind = tagSectionBegin
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	case first == '/':
		tag.kind = tagClose
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	case first == '>':
		tag.kind = tagPartial
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	case first == '$':
		tag.kind = tagBlockBegin
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	case first == '<':
		tag.kind = tagParentBegin
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	case first == ':' && c.flags&WithColon != 0:
		tag.kind = tagColon
		tag.nameStart, tag.nameEnd = trimSpan(c.data, ts+1, te)

	default:
		tag.kind = tagVarEscaped
		tag.nameStart, tag.nameEnd = ts, te
	}

	switch tag.kind {
	case tagComment, tagDelimiter:
	default:
		if tag.nameStart >= tag.nameEnd && c.flags&WithEmptyTag == 0 {
			return nil, newErr(KindEmptyTag, line, "empty tag name")
		}
	}

	c.pos = after
	return tag, nil
}

// dispatch emits the opcodes (if any) for one already-scanned tag and
// updates the section stack. A non-zero [prefixStart,prefixEnd) span is the
// captured leading-whitespace prefix when the tag turned out standalone.
func (c *compiler) dispatch(tag *scannedTag, prefixStart, prefixEnd int, tagStart int) error {
	line := c.line

	switch tag.kind {
	case tagComment:
		return nil

	case tagDelimiter:
		c.otag, c.ctag = tag.newOtag, tag.newCtag
		return nil

	case tagVarEscaped:
		if c.suppressed() {
			return nil
		}
		return c.emitRef(OpReplEsc, tag.nameStart, tag.nameEnd, c.tagInline(), line)

	case tagVarRaw, tagColon:
		// Open Question resolution (SPEC_FULL.md §5): ':' aliases unescaped
		// variable interpolation.
		if c.suppressed() {
			return nil
		}
		return c.emitRef(OpReplRaw, tag.nameStart, tag.nameEnd, c.tagInline(), line)

	case tagPartial:
		if c.suppressed() {
			return nil
		}
		if prefixEnd > prefixStart {
			if err := c.emitRef(OpPrefix, prefixStart, prefixEnd, c.textInline(), line); err != nil {
				return err
			}
		}
		return c.emitRef(OpPartial, tag.nameStart, tag.nameEnd, c.tagInline(), line)

	case tagSectionBegin:
		return c.pushSection(OpWhile, tag, line, 0, 0)

	case tagInvertedBegin:
		return c.pushSection(OpUnless, tag, line, 0, 0)

	case tagParentBegin:
		return c.pushSection(OpParent, tag, line, prefixStart, prefixEnd)

	case tagBlockBegin:
		return c.pushSection(OpBlock, tag, line, 0, 0)

	case tagClose:
		return c.closeSection(tag.name(c.data), line, tagStart)
	}
	return nil
}

// pushSection opens a WHILE/UNLESS/PARENT/BLOCK frame. For PARENT, a
// standalone prefix is emitted as a PREFIX opcode ahead of the opening
// opcode itself, mirroring how a standalone partial reserves its
// indentation (spec.md §4.1 step 4).
func (c *compiler) pushSection(op Opcode, tag *scannedTag, line int, prefixStart, prefixEnd int) error {
	if len(c.stack) >= c.maxDepth {
		return newErr(KindTooDeep, line, "section nesting exceeds max depth %d", c.maxDepth)
	}

	parentSuppressed := c.suppressed()
	var bodySuppress bool
	switch op {
	case OpParent:
		bodySuppress = true
	case OpBlock:
		bodySuppress = false
	default:
		bodySuppress = parentSuppressed
	}
	// A frame's own opcode is skipped only when it is ordinary content
	// nested directly inside an enclosing PARENT body; a BLOCK always
	// emits so its default content is available if nothing overrides it.
	emit := op == OpBlock || !parentSuppressed

	frame := secFrame{name: tag.name(c.data), line: line, op: op, suppress: bodySuppress, emitted: emit, bodyTextStart: c.pos}

	if emit {
		if prefixEnd > prefixStart {
			if err := c.emitRef(OpPrefix, prefixStart, prefixEnd, c.textInline(), line); err != nil {
				return err
			}
		}
		frame.opAddr = Address(len(c.code))
		if err := c.emitRef(op, tag.nameStart, tag.nameEnd, c.tagInline(), line); err != nil {
			return err
		}
		frame.endSlot = len(c.code)
		c.code = append(c.code, 0) // reserved end-address, patched in closeSection
		frame.headAddr = Address(len(c.code))
	}

	c.stack = append(c.stack, frame)
	return nil
}

// closeSection matches a {{/name}} against the innermost open frame and
// back-patches its reserved end address.
func (c *compiler) closeSection(name string, line int, closeTagStart int) error {
	if len(c.stack) == 0 {
		return newErr(KindClosing, line, "unexpected closing tag %q", name)
	}
	top := c.stack[len(c.stack)-1]
	if top.name != name {
		return newErr(KindClosing, line, "closing tag %q does not match open section %q", name, top.name)
	}
	c.stack = c.stack[:len(c.stack)-1]

	if !top.emitted {
		return nil
	}

	switch top.op {
	case OpWhile:
		if c.sectionText == nil {
			c.sectionText = make(map[Address][2]int)
		}
		c.sectionText[top.opAddr] = [2]int{top.bodyTextStart, closeTagStart}
		c.code = append(c.code, mkWord(OpNext, 0), Word(top.headAddr))
	case OpUnless:
		// Falling through to the patched end address is enough; UNLESS has
		// no per-iteration terminator.
	case OpParent, OpBlock:
		c.code = append(c.code, mkWord(OpEnd, 0))
	}

	c.code[top.endSlot] = Word(uint32(len(c.code)))
	return nil
}
