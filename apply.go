package mustach

import "strings"

// ApplyFlags mirror spec.md §6.3's apply-time flags, consumed partly here
// (ErrorUndefined, PartialDataFirst) and partly by the Wrap adapter in
// wrap.go, which is where the path-syntax flags (WithCompare and friends)
// actually change behavior. WithIncPartial is accepted but no code reads
// it: partial files are loaded only through a PartialProvider such as
// FileProvider.
type ApplyFlags uint32

const (
	WithCompare ApplyFlags = 1 << iota
	WithEqual
	WithJsonPointer
	WithObjectIter
	WithSingleDot
	WithIncPartial
	WithEscFirstCmp
	// ErrorUndefined turns a missing variable lookup into KindUndefinedTag,
	// and a missing partial or parent into KindNotFound, instead of
	// silently rendering nothing.
	ErrorUndefined
	// PartialDataFirst searches the data provider's own embedded partials
	// (ApplyInterface.Partial) before falling back to the PartialProvider.
	PartialDataFirst
)

// AllExtensions enables every optional apply-time path extension.
const AllExtensions = WithCompare | WithEqual | WithJsonPointer | WithObjectIter | WithSingleDot | WithIncPartial | WithEscFirstCmp

// ApplyInterface is the low-level data-provider contract the applier drives
// directly (spec.md §5's "interface B"). Wrap, in wrap.go, implements this
// on top of the richer path-based WrapInterface so most callers never
// implement ApplyInterface by hand.
type ApplyInterface interface {
	// Enter attempts to push name as a new current context for section
	// iteration. truthy reports whether the section body should run at
	// all; when true the context has been pushed and the caller must
	// eventually balance it with Leave.
	Enter(name string) (truthy, found bool, err error)
	// Next advances a context pushed by Enter to its next element,
	// reporting whether another iteration should run.
	Next() (more bool, err error)
	// Leave pops the context most recently pushed by Enter.
	Leave() error
	// Truthy evaluates name for an inverted section without pushing a
	// context.
	Truthy(name string) (truthy, found bool, err error)
	// Get resolves a variable tag to its string representation.
	Get(name string) (value string, found bool, err error)
	// Partial resolves partial template source embedded in the data
	// itself, independent of any PartialProvider.
	Partial(name string) (source string, found bool, err error)
}

// LambdaSection is an optional extension an ApplyInterface implementation
// may satisfy to intercept a {{#name}}...{{/name}} section ahead of the
// ordinary Enter/Next/Leave loop, when the section's underlying value is
// itself invokable (a lambda) rather than a plain truthy value or list. The
// applier passes the section's own raw, uncompiled body text — recovered via
// Template.sectionRawText, since the compiled bytecode no longer carries it —
// and TryLambdaSection is responsible for invoking the lambda and returning
// its already-rendered replacement text. handled false means the section
// should fall through to the ordinary Enter path instead.
type LambdaSection interface {
	TryLambdaSection(name, rawText string) (rendered string, handled bool, err error)
}

type blockRange struct {
	tpl       *Template
	bodyStart Address
	bodyEnd   Address
}

// Applier walks a compiled Template's IR against an ApplyInterface,
// streaming output to a Sink. It is the Go analogue of original_source's
// mustach2.c run loop, generalized from that source's single in-process
// template to the PARENT/BLOCK override chain spec.md §3 adds.
type Applier struct {
	sink       Sink
	data       ApplyInterface
	partials   PartialProvider
	flags      ApplyFlags
	maxNesting int

	depth         int
	baseFlags     BuildFlags
	overrides     []map[string]blockRange
	pendingPrefix string
}

// NewApplier builds an Applier. partials may be nil if every partial is
// expected to come from data's own ApplyInterface.Partial.
func NewApplier(sink Sink, data ApplyInterface, partials PartialProvider, flags ApplyFlags, maxNesting int) *Applier {
	if maxNesting <= 0 {
		maxNesting = DefaultMaxNesting
	}
	return &Applier{sink: sink, data: data, partials: partials, flags: flags, maxNesting: maxNesting}
}

// Apply renders tpl to the Applier's Sink.
func (a *Applier) Apply(tpl *Template) error {
	a.baseFlags = tpl.Flags
	return a.run(tpl, 0, 0)
}

// run executes tpl's code starting at pc. stop, when non-zero, is an
// address at which to return instead of running to OpStop — used when
// rendering a BLOCK override's body, which is embedded inside a larger
// template rather than terminated by its own OpStop.
func (a *Applier) run(tpl *Template, pc Address, stop Address) error {
	for {
		if stop != 0 && pc == stop {
			return nil
		}
		w := tpl.Code[pc]
		switch w.op() {
		case OpStop:
			return nil

		case OpLine:
			pc++

		case OpText:
			s, next := a.derefAt(tpl, pc, false)
			if err := a.sink.WriteRaw(s); err != nil {
				return err
			}
			pc = next

		case OpPrefix:
			s, next := a.derefAt(tpl, pc, false)
			a.pendingPrefix = s
			pc = next

		case OpReplRaw, OpReplEsc:
			escape := w.op() == OpReplEsc
			name, next := a.derefAt(tpl, pc, true)
			pc = next
			val, found, err := a.data.Get(name)
			if err != nil {
				return wrapErr(KindSystem, 0, err, "resolving %q", name)
			}
			if !found {
				if a.flags&ErrorUndefined != 0 {
					return newErr(KindUndefinedTag, 0, "undefined tag %q", name)
				}
				continue
			}
			if escape {
				err = a.sink.WriteEsc(val)
			} else {
				err = a.sink.WriteRaw(val)
			}
			if err != nil {
				return err
			}

		case OpPartial:
			name, next := a.derefAt(tpl, pc, true)
			pc = next
			prefix := a.takePrefix()
			if err := a.applyPartial(name, prefix); err != nil {
				return err
			}

		case OpWhile:
			name, bodyStart, endAddr := a.readSectionHeader(tpl, pc)
			if ls, ok := a.data.(LambdaSection); ok {
				if rawText, ok := tpl.sectionRawText(pc); ok {
					rendered, handled, err := ls.TryLambdaSection(name, rawText)
					if err != nil {
						return wrapErr(KindSystem, 0, err, "rendering lambda section %q", name)
					}
					if handled {
						if err := a.sink.WriteRaw(rendered); err != nil {
							return err
						}
						pc = endAddr
						continue
					}
				}
			}
			truthy, _, err := a.data.Enter(name)
			if err != nil {
				return wrapErr(KindSystem, 0, err, "entering section %q", name)
			}
			if truthy {
				pc = bodyStart
			} else {
				pc = endAddr
			}

		case OpNext:
			headAddr := Address(tpl.Code[pc+1])
			more, err := a.data.Next()
			if err != nil {
				return wrapErr(KindSystem, 0, err, "advancing section")
			}
			if more {
				pc = headAddr
			} else {
				if err := a.data.Leave(); err != nil {
					return wrapErr(KindSystem, 0, err, "leaving section")
				}
				pc += 2
			}

		case OpUnless:
			name, bodyStart, endAddr := a.readSectionHeader(tpl, pc)
			truthy, _, err := a.data.Truthy(name)
			if err != nil {
				return wrapErr(KindSystem, 0, err, "testing inverted section %q", name)
			}
			if truthy {
				pc = endAddr
			} else {
				pc = bodyStart
			}

		case OpParent:
			name, overridesStart, endAddr := a.readSectionHeader(tpl, pc)
			if err := a.applyParent(tpl, name, overridesStart, endAddr); err != nil {
				return err
			}
			pc = endAddr

		case OpBlock:
			name, bodyStart, endAddr := a.readSectionHeader(tpl, pc)
			if ov, ok := a.findOverride(name); ok {
				if err := a.run(ov.tpl, ov.bodyStart, ov.bodyEnd); err != nil {
					return err
				}
				pc = endAddr
			} else {
				pc = bodyStart
			}

		case OpEnd:
			pc++

		case OpUnprefix:
			_, next := a.derefAt(tpl, pc, false)
			pc = next

		default:
			return newErr(KindSystem, 0, "unknown opcode %d", w.op())
		}
	}
}

// pendingPrefix and takePrefix implement PREFIX's "applies to exactly the
// next operation" rule (ir.go's OpPrefix doc comment).
func (a *Applier) takePrefix() string {
	p := a.pendingPrefix
	a.pendingPrefix = ""
	return p
}

func (a *Applier) derefAt(tpl *Template, pc Address, tagLike bool) (string, Address) {
	w := tpl.Code[pc]
	length := int(w.val())
	var inline bool
	if tagLike {
		inline = tpl.Flags&NullTermTag != 0
	} else {
		inline = tpl.Flags&NullTermText != 0
	}
	s, consumed := tpl.derefRef(int(pc)+1, length, inline)
	return s, Address(int(pc) + 1 + consumed)
}

func (a *Applier) readSectionHeader(tpl *Template, pc Address) (name string, bodyStart, endAddr Address) {
	nameStr, next := a.derefAt(tpl, pc, true)
	endAddr = Address(tpl.Code[next])
	return nameStr, next + 1, endAddr
}

// skipOne advances past one opcode's full extent without executing it, used
// by collectBlocks to enumerate a PARENT's direct BLOCK children.
func (a *Applier) skipOne(tpl *Template, pc Address) Address {
	switch tpl.Code[pc].op() {
	case OpLine:
		return pc + 1
	case OpText, OpPrefix, OpUnprefix:
		_, next := a.derefAt(tpl, pc, false)
		return next
	case OpReplRaw, OpReplEsc, OpPartial:
		_, next := a.derefAt(tpl, pc, true)
		return next
	case OpWhile, OpUnless, OpParent, OpBlock:
		_, _, endAddr := a.readSectionHeader(tpl, pc)
		return endAddr
	default:
		return pc + 1
	}
}

// collectBlocks enumerates the direct BLOCK children a PARENT's body
// contains between [pc, stop), keyed by name, for later override lookup.
func (a *Applier) collectBlocks(tpl *Template, pc, stop Address) map[string]blockRange {
	blocks := make(map[string]blockRange)
	for pc < stop {
		if tpl.Code[pc].op() == OpBlock {
			name, bodyStart, endAddr := a.readSectionHeader(tpl, pc)
			blocks[name] = blockRange{tpl: tpl, bodyStart: bodyStart, bodyEnd: endAddr}
			pc = endAddr
			continue
		}
		pc = a.skipOne(tpl, pc)
	}
	return blocks
}

// findOverride searches the chain of calling parent frames innermost-first,
// so the nearest enclosing {{<parent}} invocation's {{$block}} wins, per
// spec.md §3's late-bound inheritance rule.
func (a *Applier) findOverride(name string) (blockRange, bool) {
	for i := len(a.overrides) - 1; i >= 0; i-- {
		if br, ok := a.overrides[i][name]; ok {
			return br, true
		}
	}
	return blockRange{}, false
}

func (a *Applier) applyParent(tpl *Template, name string, overridesStart, endAddr Address) error {
	if a.depth >= a.maxNesting {
		return newErr(KindTooMuchNesting, 0, "parent %q exceeds max nesting depth %d", name, a.maxNesting)
	}
	// endAddr points one past the matching OpEnd; the override region ends
	// at the OpEnd word itself.
	blocks := a.collectBlocks(tpl, overridesStart, endAddr-1)

	source, found, err := a.resolvePartial(name)
	if err != nil {
		return err
	}
	if !found {
		if a.flags&ErrorUndefined == 0 {
			a.takePrefix()
			return nil
		}
		return newErr(KindNotFound, 0, "parent template %q not found", name)
	}
	parentTpl, err := Compile(source, a.baseFlags, name)
	if err != nil {
		return wrapErr(KindSystem, 0, err, "compiling parent %q", name)
	}

	prefix := a.takePrefix()
	savedSink := a.sink
	if prefix != "" {
		a.sink = newPrefixSink(savedSink, prefix)
	}
	a.overrides = append(a.overrides, blocks)
	a.depth++

	err = a.run(parentTpl, 0, 0)

	a.depth--
	a.overrides = a.overrides[:len(a.overrides)-1]
	a.sink = savedSink
	return err
}

func (a *Applier) applyPartial(name, prefix string) error {
	if a.depth >= a.maxNesting {
		return newErr(KindTooMuchNesting, 0, "partial %q exceeds max nesting depth %d", name, a.maxNesting)
	}
	source, found, err := a.resolvePartial(name)
	if err != nil {
		return err
	}
	if !found {
		if a.flags&ErrorUndefined == 0 {
			return nil
		}
		return newErr(KindNotFound, 0, "partial %q not found", name)
	}
	childTpl, err := Compile(source, a.baseFlags, name)
	if err != nil {
		return wrapErr(KindSystem, 0, err, "compiling partial %q", name)
	}

	savedSink := a.sink
	if prefix != "" {
		a.sink = newPrefixSink(savedSink, prefix)
	}
	a.depth++
	err = a.run(childTpl, 0, 0)
	a.depth--
	a.sink = savedSink
	return err
}

// resolvePartial looks up name either in data's own embedded partials or in
// the Applier's PartialProvider, in the order PartialDataFirst selects.
func (a *Applier) resolvePartial(name string) (string, bool, error) {
	fromData := func() (string, bool, error) {
		if a.data == nil {
			return "", false, nil
		}
		return a.data.Partial(name)
	}
	fromProvider := func() (string, bool, error) {
		if a.partials == nil {
			return "", false, nil
		}
		return a.partials.Get(name)
	}
	first, second := fromProvider, fromData
	if a.flags&PartialDataFirst != 0 {
		first, second = fromData, fromProvider
	}
	if s, ok, err := first(); err != nil {
		return "", false, err
	} else if ok {
		return s, true, nil
	}
	return second()
}

// prefixSink re-indents every line of nested output by prefix, used to
// reproduce a standalone partial or parent tag's captured indentation
// (spec.md §4.1 step 4) across every line the nested template produces.
type prefixSink struct {
	under       Sink
	prefix      string
	atLineStart bool
}

func newPrefixSink(under Sink, prefix string) *prefixSink {
	return &prefixSink{under: under, prefix: prefix, atLineStart: true}
}

func (s *prefixSink) WriteRaw(str string) error { return s.write(str, false) }
func (s *prefixSink) WriteEsc(str string) error { return s.write(str, true) }

func (s *prefixSink) write(str string, esc bool) error {
	for len(str) > 0 {
		if s.atLineStart {
			if err := s.under.WriteRaw(s.prefix); err != nil {
				return err
			}
			s.atLineStart = false
		}
		idx := strings.IndexByte(str, '\n')
		var chunk string
		if idx < 0 {
			chunk = str
			str = ""
		} else {
			chunk = str[:idx+1]
			str = str[idx+1:]
			s.atLineStart = true
		}
		var err error
		if esc {
			err = s.under.WriteEsc(chunk)
		} else {
			err = s.under.WriteRaw(chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
