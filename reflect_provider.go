package mustach

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Lambda is a value-tag lambda: a bare {{name}} whose result is itself
// mustache source, rendered against the same enclosing context rather than
// emitted verbatim. Unlike SectionLambda below, a value tag has no body of
// its own to hand back, so Lambda supplies its own source.
type Lambda func() (string, error)

var lambdaType = reflect.TypeOf(Lambda(nil))

// SectionLambda is a section-tag lambda: a {{#name}}...{{/name}} value
// invoked with the section's own raw, uncompiled body text plus a render
// callback that compiles and applies arbitrary text against the current
// context, mirroring the classic mustache lambda-section hook. The
// compiler records each section's raw body span on Template precisely so
// this is possible despite the bytecode IR otherwise discarding it once
// compiled (see Template.sectionRawText and LambdaSection in apply.go).
type SectionLambda func(text string, render func(string) (string, error)) (string, error)

var sectionLambdaType = reflect.TypeOf(SectionLambda(nil))

// ValueStringer lets a data value control its own textual rendering,
// analogous to fmt.Stringer but scoped to this package so a type can
// implement it without pulling in a dependency on mustach.
type ValueStringer interface {
	MustacheString() string
}

// PartialDataSource lets a root data value embed its own partials, found
// ahead of (or behind) a PartialProvider depending on ApplyFlags'
// PartialDataFirst.
type PartialDataSource interface {
	MustachePartial(name string) (source string, found bool)
}

// ReflectProvider implements WrapInterface over arbitrary Go values via
// reflect: maps, structs (with "mustache" struct-tag support), slices,
// arrays, and func()-shaped value lambdas. Grounded on the struct/map
// traversal observeinc-mustache and hayeah-mustache both do ahead of
// interpolation, generalized to the section-stack shape this wrap layer
// needs.
//
// A field or map entry of type Lambda is rendered by compiling its
// returned string as a nested template against the same context stack.
// A field or map entry of type SectionLambda, selected by a section tag
// rather than a value tag, is instead invoked with that section's own raw
// body text (see TryLambdaSection). Plain zero-argument funcs (func() T)
// are still supported as ordinary value lambdas, evaluated like any other
// variable. See DESIGN.md.
type ReflectProvider struct {
	flags   ApplyFlags
	escMode EscapeMode

	ctx  []reflect.Value
	iter []iterState
	cur  reflect.Value

	root any

	// stringifyOverride, when set, replaces the default kind-based rendering
	// of a resolved leaf value (e.g. JSONTemplate's toJSONString). ValueStringer
	// values and lambdas are rendered before it is consulted.
	stringifyOverride func(any) (string, error)
}

type iterState struct {
	isList bool
	list   reflect.Value
	idx    int
}

var _ WrapInterface = (*ReflectProvider)(nil)
var _ WrapLambdaSection = (*ReflectProvider)(nil)

// NewReflectProvider builds a WrapInterface rooted at data.
func NewReflectProvider(data any, escMode EscapeMode, flags ApplyFlags) *ReflectProvider {
	// root is kept exactly as reflect.ValueOf(data) returns it (not
	// pre-indirected) so a pointer-receiver method on the root value itself
	// is still visible to fieldLookup's pre-indirect method check.
	return &ReflectProvider{
		flags:   flags,
		escMode: escMode,
		ctx:     []reflect.Value{reflect.ValueOf(data)},
		root:    data,
	}
}

// WithStringifier installs an override for rendering a resolved leaf in
// place of the default kind-based formatting — used by JSONTemplate to
// render interpolations as JSON literals. A value implementing
// ValueStringer, or a lambda, still renders through its own hook first.
func (p *ReflectProvider) WithStringifier(fn func(any) (string, error)) *ReflectProvider {
	p.stringifyOverride = fn
	return p
}

func (p *ReflectProvider) Start() error   { return nil }
func (p *ReflectProvider) Stop(err error) {}

func (p *ReflectProvider) Sel(name string) (bool, error) {
	for i := len(p.ctx) - 1; i >= 0; i-- {
		if v, ok := p.fieldLookup(p.ctx[i], name); ok {
			p.cur = v
			return true, nil
		}
	}
	return false, nil
}

func (p *ReflectProvider) Subsel(name string) (bool, error) {
	v, ok := p.fieldLookup(p.cur, name)
	if !ok {
		return false, nil
	}
	p.cur = v
	return true, nil
}

func (p *ReflectProvider) fieldLookup(v reflect.Value, name string) (reflect.Value, bool) {
	// Method lookup runs against the value as handed in, ahead of
	// dereferencing, so a pointer-receiver method ("func (u *User)
	// Func2()") is still visible; lookupStructural below runs against the
	// fully-indirected value instead, matching hayeah-mustache/mustache.go's
	// lookup, which walks Ptr/Interface one level at a time and re-checks
	// NumMethod at each level.
	if name != "." {
		if m, ok := lookupMethod(v, name); ok {
			return m, true
		}
	}
	v = indirect(v)
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	if name == "." {
		return v, true
	}
	if name == "*" && p.flags&WithObjectIter != 0 {
		return objectEntries(v)
	}
	if df, ok := asDynamicFields(v); ok {
		val, found := df.MustacheField(name)
		if !found {
			return reflect.Value{}, false
		}
		return indirect(reflect.ValueOf(val)), true
	}
	if m, ok := lookupMethod(v, name); ok {
		return m, true
	}
	return lookupStructural(v, name)
}

// lookupMethod calls a zero-argument, single-return method named name on v
// (checked ahead of struct/map field resolution, matching
// hayeah-mustache/mustache.go's lookup), letting a value expose computed
// fields ("Func1() string") the same way a plain field does.
func lookupMethod(v reflect.Value, name string) (reflect.Value, bool) {
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.Name != name {
			continue
		}
		mt := m.Type
		if mt.NumIn() != 1 || mt.NumOut() == 0 || mt.NumOut() > 2 {
			continue
		}
		out := v.Method(i).Call(nil)
		if len(out) == 2 {
			if errv, ok := out[1].Interface().(error); ok && errv != nil {
				return reflect.Value{}, false
			}
		}
		return out[0], true
	}
	return reflect.Value{}, false
}

// DynamicFields lets a data value compute fields on demand instead of
// exposing them as ordinary struct fields or map entries — used by
// RenderInLayout's layoutData to merge a rendered partial's output into an
// otherwise-untouched data value.
type DynamicFields interface {
	MustacheField(name string) (value any, found bool)
}

func asDynamicFields(v reflect.Value) (DynamicFields, bool) {
	if v.CanInterface() {
		if df, ok := v.Interface().(DynamicFields); ok {
			return df, true
		}
	}
	if v.CanAddr() {
		if df, ok := v.Addr().Interface().(DynamicFields); ok {
			return df, true
		}
	}
	return nil, false
}

// lookupStructural resolves name against v's map entries, exported struct
// fields (honoring a "mustache" struct tag), or slice/array index — the
// plain, reflection-only field lookup every ReflectProvider selection falls
// back to.
func lookupStructural(v reflect.Value, name string) (reflect.Value, bool) {
	switch v.Kind() {
	case reflect.Map:
		mv := v.MapIndex(reflect.ValueOf(name).Convert(v.Type().Key()))
		if mv.IsValid() {
			return indirect(mv), true
		}
		return reflect.Value{}, false

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag := f.Tag.Get("mustache")
			if tag == "-" {
				continue
			}
			if tag == name || f.Name == name || strings.EqualFold(f.Name, name) {
				return v.Field(i), true
			}
		}
		return reflect.Value{}, false

	case reflect.Slice, reflect.Array:
		if idx, err := strconv.Atoi(name); err == nil && idx >= 0 && idx < v.Len() {
			return v.Index(idx), true
		}
		return reflect.Value{}, false

	default:
		return reflect.Value{}, false
	}
}

// LookupField exposes lookupStructural for data types (like RenderInLayout's
// internal layoutData) that need to delegate part of a DynamicFields lookup
// back to ordinary structural resolution.
func LookupField(data any, name string) (any, bool) {
	v, ok := lookupStructural(indirect(reflect.ValueOf(data)), name)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// objectEntries turns a map or struct into a slice of {Key, Value} pairs so
// a section can iterate an object's entries under WithObjectIter, sorted by
// key for deterministic output.
func objectEntries(v reflect.Value) (reflect.Value, bool) {
	type entry struct {
		Key   string
		Value any
	}
	var entries []entry
	switch v.Kind() {
	case reflect.Map:
		for _, k := range v.MapKeys() {
			entries = append(entries, entry{Key: fmt.Sprint(k.Interface()), Value: v.MapIndex(k).Interface()})
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			entries = append(entries, entry{Key: f.Name, Value: v.Field(i).Interface()})
		}
	default:
		return reflect.Value{}, false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return reflect.ValueOf(entries), true
}

func (p *ReflectProvider) Get() (string, error) {
	return p.stringify(p.cur)
}

func (p *ReflectProvider) stringify(v reflect.Value) (string, error) {
	v = indirect(v)
	if !v.IsValid() {
		return "", nil
	}
	if vs, ok := asValueStringer(v); ok {
		return vs.MustacheString(), nil
	}
	if v.Type() == lambdaType {
		src, err := v.Interface().(Lambda)()
		if err != nil {
			return "", err
		}
		return p.renderLambda(src)
	}
	if v.Kind() == reflect.Func {
		return p.callLambda(v)
	}
	if p.stringifyOverride != nil && v.CanInterface() {
		return p.stringifyOverride(v.Interface())
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case reflect.Invalid:
		return "", nil
	default:
		return fmt.Sprint(v.Interface()), nil
	}
}

// renderLambda compiles src as a nested template and renders it against a
// copy of the current context stack, so a Lambda's output can itself
// reference the fields already in scope.
func (p *ReflectProvider) renderLambda(src string) (string, error) {
	tpl, err := Compile(src, 0, "")
	if err != nil {
		return "", err
	}
	child := &ReflectProvider{
		flags:             p.flags,
		escMode:           p.escMode,
		ctx:               append([]reflect.Value(nil), p.ctx...),
		root:              p.root,
		stringifyOverride: p.stringifyOverride,
	}
	var buf bytes.Buffer
	applier := NewApplier(NewSink(&buf, p.escMode), Wrap(child, p.flags), nil, p.flags, DefaultMaxNesting)
	if err := applier.Apply(tpl); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func asValueStringer(v reflect.Value) (ValueStringer, bool) {
	if !v.CanInterface() {
		return nil, false
	}
	vs, ok := v.Interface().(ValueStringer)
	return vs, ok
}

// callLambda evaluates a value lambda: a zero-argument func returning a
// string (or a value this provider knows how to stringify, or (string,
// error)). Any other func shape stringifies to empty.
func (p *ReflectProvider) callLambda(fn reflect.Value) (string, error) {
	t := fn.Type()
	if t.NumIn() != 0 {
		return "", nil
	}
	out := fn.Call(nil)
	switch len(out) {
	case 1:
		return p.stringify(out[0])
	case 2:
		if errv, ok := out[1].Interface().(error); ok && errv != nil {
			return "", errv
		}
		return p.stringify(out[0])
	default:
		return "", nil
	}
}

func (p *ReflectProvider) Bool() (bool, error) {
	return isTruthy(p.cur), nil
}

// isTruthy follows hayeah-mustache's isEmpty (inverted): Array/Slice/Map
// are truthy iff non-empty, a string is truthy iff non-blank after trimming
// whitespace (so a whitespace-only string is falsy, matching the teacher's
// documented disagreement with plain Go zero-value semantics there), a func
// is always truthy (it's a lambda, evaluated for its result rather than
// tested), and everything else falls back to reflect.Value.IsZero.
func isTruthy(v reflect.Value) bool {
	v = indirect(v)
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Array, reflect.Slice, reflect.Map:
		return v.Len() > 0
	case reflect.String:
		return strings.TrimSpace(v.String()) != ""
	case reflect.Func:
		return true
	default:
		return !v.IsZero()
	}
}

func (p *ReflectProvider) Compare(rhs string) (int, bool, error) {
	v := indirect(p.cur)
	if !v.IsValid() {
		return 0, false, nil
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(rhs, 10, 64)
		if err != nil {
			return 0, false, nil
		}
		return cmpInt64(v.Int(), n), true, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(rhs, 10, 64)
		if err != nil {
			return 0, false, nil
		}
		return cmpUint64(v.Uint(), n), true, nil
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return 0, false, nil
		}
		return cmpFloat64(v.Float(), n), true, nil
	case reflect.String:
		return strings.Compare(v.String(), rhs), true, nil
	case reflect.Bool:
		rb, err := strconv.ParseBool(rhs)
		if err != nil {
			return 0, false, nil
		}
		if v.Bool() == rb {
			return 0, true, nil
		}
		return 1, true, nil
	default:
		return 0, false, nil
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// TryLambdaSection reports whether the current selection (as left by Sel/
// Subsel) is a SectionLambda, and if so invokes it with rawText and a render
// callback bound to the current context stack. wrapAdapter checks this ahead
// of calling Enter, so a SectionLambda selection never reaches Enter's
// generic truthy-push branch below.
func (p *ReflectProvider) TryLambdaSection(rawText string) (string, bool, error) {
	v := indirect(p.cur)
	if !v.IsValid() || v.Type() != sectionLambdaType {
		return "", false, nil
	}
	out, err := v.Interface().(SectionLambda)(rawText, p.renderLambda)
	return out, true, err
}

func (p *ReflectProvider) Enter() (bool, error) {
	v := indirect(p.cur)
	if !isTruthy(v) {
		return false, nil
	}
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		if v.Len() == 0 {
			return false, nil
		}
		p.ctx = append(p.ctx, v.Index(0))
		p.iter = append(p.iter, iterState{isList: true, list: v, idx: 0})
		return true, nil
	}
	p.ctx = append(p.ctx, v)
	p.iter = append(p.iter, iterState{isList: false})
	return true, nil
}

func (p *ReflectProvider) Next() (bool, error) {
	if len(p.iter) == 0 {
		return false, nil
	}
	top := &p.iter[len(p.iter)-1]
	if !top.isList {
		return false, nil
	}
	top.idx++
	if top.idx >= top.list.Len() {
		return false, nil
	}
	p.ctx[len(p.ctx)-1] = top.list.Index(top.idx)
	return true, nil
}

func (p *ReflectProvider) Leave() error {
	if len(p.ctx) <= 1 || len(p.iter) == 0 {
		return newErr(KindClosing, 0, "Leave called without a matching Enter")
	}
	p.ctx = p.ctx[:len(p.ctx)-1]
	p.iter = p.iter[:len(p.iter)-1]
	return nil
}

func (p *ReflectProvider) Partial(name string) (string, bool, error) {
	if src, ok := p.root.(PartialDataSource); ok {
		s, found := src.MustachePartial(name)
		return s, found, nil
	}
	return "", false, nil
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}
