package mustach

import "strings"

// WrapInterface is the high-level, path-aware data-provider contract
// (spec.md §5's "interface A"), grounded on original_source/mustach-wrap.c's
// `struct mustach_wrap_itf`. Most callers implement this instead of the
// lower-level ApplyInterface; Wrap adapts one into the other, handling path
// syntax (dotted names, JSON pointers, wildcards, comparison filters) once
// so every WrapInterface implementation gets it for free.
type WrapInterface interface {
	Start() error
	Stop(err error)

	// Sel resolves name against the innermost context first, then each
	// enclosing context outward — mustache's usual scope-chain lookup —
	// and, on success, selects it as the current selection.
	Sel(name string) (found bool, err error)
	// Subsel resolves name against the current selection only, with no
	// scope-chain fallback. Used for every path segment after the first.
	Subsel(name string) (found bool, err error)

	// Get stringifies the current selection.
	Get() (value string, err error)
	// Bool reports the current selection's truthiness without altering
	// the context stack.
	Bool() (truthy bool, err error)
	// Compare orders the current selection against rhs: negative, zero, or
	// positive. ok is false if the selection has no defined ordering.
	Compare(rhs string) (cmp int, ok bool, err error)

	// Enter pushes the current selection as a new context if truthy,
	// positioning at its first element when the selection is a list.
	Enter() (truthy bool, err error)
	Next() (more bool, err error)
	Leave() error
}

// WrapPartialSource is an optional extension a WrapInterface implementation
// may satisfy to embed partials in the data itself, ahead of (or instead
// of) any PartialProvider — see ApplyFlags' PartialDataFirst. This is a
// fallback only: wrapAdapter.Partial tries the ordinary Sel/Subsel/Get path
// lookup first, per spec.md §4.3 and original_source/mustach-wrap.c's
// getopt(), which routes a partial's name through the same sel()/get() path
// ordinary variable tags use before ever consulting a dedicated source.
type WrapPartialSource interface {
	Partial(name string) (source string, found bool, err error)
}

// WrapLambdaSection is an optional extension a WrapInterface implementation
// may satisfy so that a section whose resolved value is itself invokable (a
// lambda) renders by calling the lambda with the section's own raw,
// uncompiled body text, rather than being entered as an ordinary truthy
// value or list. See LambdaSection in apply.go.
type WrapLambdaSection interface {
	TryLambdaSection(rawText string) (rendered string, handled bool, err error)
}

// Wrap adapts a WrapInterface into the ApplyInterface the Applier drives,
// per spec.md §5.2.
func Wrap(w WrapInterface, flags ApplyFlags) ApplyInterface {
	return &wrapAdapter{w: w, flags: flags}
}

type wrapAdapter struct {
	w     WrapInterface
	flags ApplyFlags
}

func (a *wrapAdapter) Get(name string) (string, bool, error) {
	segs, _, _, _, _ := parsePath(name, a.flags)
	found, err := a.resolve(segs)
	if err != nil || !found {
		return "", found, err
	}
	val, err := a.w.Get()
	return val, true, err
}

func (a *wrapAdapter) Truthy(name string) (bool, bool, error) {
	segs, op, rhs, negate, hasFilter := parsePath(name, a.flags)
	found, err := a.resolve(segs)
	if err != nil || !found {
		return false, found, err
	}
	if hasFilter {
		truthy, err := a.compareFilter(op, rhs, negate)
		return truthy, true, err
	}
	truthy, err := a.w.Bool()
	return truthy, true, err
}

func (a *wrapAdapter) Enter(name string) (bool, bool, error) {
	segs, op, rhs, negate, hasFilter := parsePath(name, a.flags)
	found, err := a.resolve(segs)
	if err != nil || !found {
		return false, found, err
	}
	if hasFilter {
		truthy, err := a.compareFilter(op, rhs, negate)
		if err != nil || !truthy {
			return false, true, err
		}
	}
	truthy, err := a.w.Enter()
	return truthy, true, err
}

func (a *wrapAdapter) Next() (bool, error) { return a.w.Next() }
func (a *wrapAdapter) Leave() error        { return a.w.Leave() }

// TryLambdaSection resolves name via the ordinary scope-chain path, exactly
// like Get, and — only if the resolved selection is itself a lambda the
// underlying WrapInterface recognizes — renders it against rawText.
func (a *wrapAdapter) TryLambdaSection(name, rawText string) (string, bool, error) {
	ls, ok := a.w.(WrapLambdaSection)
	if !ok {
		return "", false, nil
	}
	segs, _, _, _, _ := parsePath(name, a.flags)
	found, err := a.resolve(segs)
	if err != nil || !found {
		return "", false, err
	}
	return ls.TryLambdaSection(rawText)
}

// Partial resolves name the same way an ordinary variable tag would —
// Sel/Subsel scope-chain lookup followed by Get — before falling back to a
// WrapPartialSource extension, mirroring Get's own implementation above (see
// WrapPartialSource's doc comment for why the fallback is secondary).
func (a *wrapAdapter) Partial(name string) (string, bool, error) {
	segs, _, _, _, _ := parsePath(name, a.flags)
	found, err := a.resolve(segs)
	if err != nil {
		return "", false, err
	}
	if found {
		val, err := a.w.Get()
		if err != nil {
			return "", false, err
		}
		return val, true, nil
	}
	if src, ok := a.w.(WrapPartialSource); ok {
		return src.Partial(name)
	}
	return "", false, nil
}

// compareFilter evaluates one key<op>value filter against the already-
// selected current selection, applying the leading-'!' negation spec.md
// §4.3 documents ("prefix ! negates") if negate is set.
//
// WithEscFirstCmp, per original_source/mustach-wrap.c's keyval(), exists to
// stop a key whose very first byte is itself a comparator character from
// being misparsed as a zero-length key; splitFilter's idx > 0 requirement
// already rules that out unconditionally, so the flag has no further effect
// here and is accepted purely for compatibility with spec.md §6.3's flag set.
func (a *wrapAdapter) compareFilter(op, rhs string, negate bool) (bool, error) {
	cmp, ok, err := a.w.Compare(rhs)
	if err != nil || !ok {
		return false, err
	}
	var result bool
	switch op {
	case "=":
		result = cmp == 0
	case "<":
		result = cmp < 0
	case "<=":
		result = cmp <= 0
	case ">":
		result = cmp > 0
	case ">=":
		result = cmp >= 0
	}
	if negate {
		result = !result
	}
	return result, nil
}

// resolve walks segs via an initial Sel (scope-chain) followed by Subsel for
// every later segment, leaving the final segment selected on success.
func (a *wrapAdapter) resolve(segs []string) (bool, error) {
	if len(segs) == 0 {
		return false, nil
	}
	found, err := a.w.Sel(segs[0])
	if err != nil || !found {
		return found, err
	}
	for _, seg := range segs[1:] {
		found, err = a.w.Subsel(seg)
		if err != nil || !found {
			return found, err
		}
	}
	return true, nil
}

// parsePath splits a tag name into path segments plus an optional trailing
// comparison filter (spec.md §4.3, enabled by WithCompare/WithEqual).
// Dotted paths are the default; a leading '/' switches to JSON-pointer
// syntax (~1 and ~0 escapes) when WithJsonPointer is set. A single "."
// segment means "the current selection itself" (WithSingleDot). A filter's
// value may carry a leading '!' to negate the whole comparison, per spec.md
// §4.3's "prefix ! negates".
func parsePath(name string, flags ApplyFlags) (segs []string, op, rhs string, negate bool, hasFilter bool) {
	if flags&WithCompare != 0 || flags&WithEqual != 0 {
		name, op, rhs, hasFilter = splitFilter(name, flags)
		if hasFilter && strings.HasPrefix(rhs, "!") {
			rhs = rhs[1:]
			negate = true
		}
	}

	if flags&WithJsonPointer != 0 && strings.HasPrefix(name, "/") {
		parts := strings.Split(name[1:], "/")
		segs = make([]string, len(parts))
		for i, p := range parts {
			segs[i] = unescapeJSONPointer(p)
		}
		return segs, op, rhs, negate, hasFilter
	}

	if name == "." && flags&WithSingleDot != 0 {
		return []string{"."}, op, rhs, negate, hasFilter
	}

	return strings.Split(name, "."), op, rhs, negate, hasFilter
}

func unescapeJSONPointer(s string) string {
	if !strings.Contains(s, "~") {
		return s
	}
	s = strings.ReplaceAll(s, "~1", "/")
	s = strings.ReplaceAll(s, "~0", "~")
	return s
}

var compareOps = []string{"<=", ">=", "=", "<", ">"}

func splitFilter(name string, flags ApplyFlags) (rest, op, rhs string, hasFilter bool) {
	allowCompare := flags&WithCompare != 0
	for _, candidate := range compareOps {
		if candidate != "=" && candidate != "!=" && !allowCompare {
			continue
		}
		if idx := strings.Index(name, candidate); idx > 0 {
			return name[:idx], candidate, name[idx+len(candidate):], true
		}
	}
	return name, "", "", false
}
