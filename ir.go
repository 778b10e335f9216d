package mustach

import "encoding/binary"

// Opcode identifies the operation encoded in the low opBits bits of a Word.
// Order and meaning follow spec.md §3's table (itself grounded on
// original_source/mustach2.c's `enum op`).
type Opcode uint32

const (
	// OpStop terminates the template. Two OpStops are emitted in a row so
	// the last word is always safely dereferenceable by a one-word lookahead.
	OpStop Opcode = iota
	// OpLine sets the current source line, immediate = line number.
	OpLine
	// OpText emits literal template text, honoring prefix rules, never escaped.
	OpText
	// OpReplRaw looks up a tag and emits its value unescaped.
	OpReplRaw
	// OpReplEsc looks up a tag and emits its value HTML-escaped.
	OpReplEsc
	// OpPartial resolves a partial and renders it with the active prefix stack.
	OpPartial
	// OpWhile tries to enter a section; on empty, jumps to the reserved end address.
	OpWhile
	// OpNext advances a section's iterator; on success jumps back to the loop head.
	OpNext
	// OpUnless is an inverted section: if its value is truthy, jumps past the
	// body without entering it.
	OpUnless
	// OpParent loads a partial as an inheritance parent so its BLOCKs may be overridden.
	OpParent
	// OpBlock is a named overridable region.
	OpBlock
	// OpEnd closes a PARENT or BLOCK, restoring inheritance state.
	OpEnd
	// OpPrefix pushes a per-line indentation prefix active for exactly the next operation.
	OpPrefix
	// OpUnprefix is reserved; never emitted by this compiler, and skipped
	// without effect by the applier (see SPEC_FULL.md §3).
	OpUnprefix
)

var opcodeNames = [...]string{
	OpStop: "STOP", OpLine: "LINE", OpText: "TEXT", OpReplRaw: "REPL_RAW",
	OpReplEsc: "REPL_ESC", OpPartial: "PARTIAL", OpWhile: "WHILE", OpNext: "NEXT",
	OpUnless: "UNLESS", OpParent: "PARENT", OpBlock: "BLOCK", OpEnd: "END",
	OpPrefix: "PREFIX", OpUnprefix: "UNPREFIX",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return "OP(?)"
}

// Word is one 32-bit slot of the IR. An opcode word packs an Opcode in its
// low opBits bits and an immediate in the remaining upper bits; a plain data
// word holds a raw text offset, a jump address, or packed string bytes.
type Word uint32

func mkWord(op Opcode, val uint32) Word { return Word(op) | Word(val)<<opBits }

func (w Word) op() Opcode  { return Opcode(w) & ((1 << opBits) - 1) }
func (w Word) val() uint32 { return uint32(w) >> opBits }

// Address is a word index into a Template's flat Code vector. spec.md §9
// sanctions simplifying the source's (block-index, word-offset) packed
// address down to a single flat index when block-chaining isn't otherwise
// required; this implementation takes that option (see DESIGN.md).
type Address = uint32

// BuildFlags mirror spec.md §6.3's compiler flags.
type BuildFlags uint32

const (
	// WithColon treats {{:name}} tags as an unescaped-variable alias (see
	// SPEC_FULL.md's Open Question resolution).
	WithColon BuildFlags = 1 << iota
	// WithEmptyTag permits an empty tag name ({{}}) instead of rejecting it.
	WithEmptyTag
	// NullTermTag stores tag references as inline nul-terminated byte copies
	// instead of offsets into the template text.
	NullTermTag
	// NullTermText stores text references as inline nul-terminated byte
	// copies instead of offsets into the template text.
	NullTermText
)

// Template is the compiled intermediate representation: a flat vector of
// Words plus enough bookkeeping to decode text/tag references.
type Template struct {
	// Source is the original template text. References into Code are
	// offsets into this string unless the corresponding NullTerm* flag was
	// set at compile time, in which case the bytes are packed inline in Code.
	Source string
	// Code is the encoded word stream (the IR).
	Code []Word
	// Name is the optional name given at compile time (used in partial
	// resolution diagnostics).
	Name string
	// Flags are the BuildFlags this template was compiled with.
	Flags BuildFlags

	// compiler carries the Compiler options (escape mode, partials, apply
	// flags) this Template should render with, when built via
	// Compiler.CompileString/CompileFile rather than the bare Compile func.
	compiler *Compiler

	// sectionText maps an OpWhile opcode's own address to the [start, end)
	// byte span of that section's raw, uncompiled body text in Source. The
	// bytecode IR otherwise discards section body text once compiled; this
	// side table is how a lambda section recovers it at apply time (see
	// LambdaSection in apply.go and SPEC_FULL.md §4 item 1).
	sectionText map[Address][2]int
}

// sectionRawText returns the raw template source of the OpWhile section
// whose opcode word lives at addr, if that section's span was recorded at
// compile time.
func (t *Template) sectionRawText(addr Address) (string, bool) {
	span, ok := t.sectionText[addr]
	if !ok {
		return "", false
	}
	return t.Source[span[0]:span[1]], true
}

// refWords returns the number of Words that a length-byte string occupies
// when packed inline (ceil(length/4)+1, reserving at least one trailing
// zero byte so the packed bytes are always nul-terminated).
func refWords(length int) int {
	return (length+3)/4 + 1
}

// packInline packs s into inline Words, nul-padded.
func packInline(s string) []Word {
	n := refWords(len(s))
	buf := make([]byte, n*4)
	copy(buf, s)
	words := make([]Word, n)
	for i := range words {
		words[i] = Word(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return words
}

// unpackInline reads length bytes back out of n inline Words starting at idx.
func unpackInline(code []Word, idx int, length int) string {
	n := refWords(length)
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(code[idx+i]))
	}
	return string(buf[:length])
}

// derefRef resolves a text/tag reference of the given length at code index
// idx, honoring whether it was stored inline or by offset. inline reports
// whether the opcode's owning flag (NullTermText or NullTermTag) was set,
// and consumed tells the caller how many extra Words the reference took up
// (so the caller can step its program counter past it).
func (t *Template) derefRef(idx int, length int, inline bool) (s string, consumed int) {
	if inline {
		return unpackInline(t.Code, idx, length), refWords(length)
	}
	off := uint32(t.Code[idx])
	return t.Source[off : off+uint32(length)], 1
}
