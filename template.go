package mustach

import (
	"bytes"
	"encoding/json"
	"os"
)

// RenderFn is the signature of a function that renders arbitrary text as a
// nested template against data. Nothing in this package takes or returns a
// RenderFn; it is exported for callers that want to name that shape.
type RenderFn func(text string, data any) (string, error)

// Compiler is a fluent builder for compile- and apply-time options, mirroring
// the teacher's New().With...().CompileString(...) shape.
type Compiler struct {
	partial     PartialProvider
	escMode     EscapeMode
	buildFlags  BuildFlags
	applyFlags  ApplyFlags
	maxDepth    int
	maxNesting  int
	errorSink   func(error)
	stringifier func(any) (string, error)
}

// New starts a Compiler with the engine's defaults: HTML escaping, no
// partial provider, DefaultMaxDepth/DefaultMaxNesting limits, and every
// optional apply-time path extension (AllExtensions) turned on. The C
// original (mustach-wrap.c) gates each extension behind a
// NO_*_EXTENSION_FOR_MUSTACH compile-time macro that is absent by default,
// i.e. every extension ships enabled unless a build opts out; WithApplyFlags
// lets a caller narrow that down when they want the stricter canonical
// behavior instead (e.g. treating "." as a literal key rather than the
// current item).
func New() *Compiler {
	return &Compiler{escMode: EscapeHTML, applyFlags: AllExtensions}
}

// WithPartials adds a partial provider and enables support for partials.
func (c *Compiler) WithPartials(pp PartialProvider) *Compiler {
	c.partial = pp
	return c
}

// WithEscapeMode sets the output mode to either HTML, JSON, or raw (plain
// text). The default is HTML.
func (c *Compiler) WithEscapeMode(m EscapeMode) *Compiler {
	c.escMode = m
	return c
}

// WithValueStringer overrides how a resolved leaf value renders in place of
// the default kind-based formatting — JSONTemplate uses this to render
// interpolations as JSON literals. Values implementing ValueStringer, and
// lambdas, still render through their own hooks ahead of this override.
func (c *Compiler) WithValueStringer(fn func(any) (string, error)) *Compiler {
	c.stringifier = fn
	return c
}

// WithBuildFlags overrides the BuildFlags used at compile time.
func (c *Compiler) WithBuildFlags(f BuildFlags) *Compiler {
	c.buildFlags = f
	return c
}

// WithApplyFlags overrides the ApplyFlags used at render time, enabling
// optional path-syntax extensions (WithCompare, WithObjectIter, and so on).
func (c *Compiler) WithApplyFlags(f ApplyFlags) *Compiler {
	c.applyFlags = f
	return c
}

// WithErrors sets (true) or clears (false) ErrorUndefined in the apply
// flags, leaving every other apply flag as it is: with it set, a missing
// variable becomes an error instead of rendering as empty.
func (c *Compiler) WithErrors(b bool) *Compiler {
	if b {
		c.applyFlags |= ErrorUndefined
	} else {
		c.applyFlags &^= ErrorUndefined
	}
	return c
}

// WithMaxDepth overrides DefaultMaxDepth for compilation performed by this Compiler.
func (c *Compiler) WithMaxDepth(n int) *Compiler {
	c.maxDepth = n
	return c
}

// WithMaxNesting overrides DefaultMaxNesting for rendering performed by this Compiler.
func (c *Compiler) WithMaxNesting(n int) *Compiler {
	c.maxNesting = n
	return c
}

// WithErrorSink registers a callback invoked with every error this
// Compiler hits while compiling a template, or its templates hit while
// rendering, ahead of that error being returned to the caller — useful for centralized logging without forcing
// every call site to do it. There is no other internal logging in this
// package; see SPEC_FULL.md's ambient-stack section.
func (c *Compiler) WithErrorSink(fn func(error)) *Compiler {
	c.errorSink = fn
	return c
}

// CompileString compiles a Mustache template from a string.
func (c *Compiler) CompileString(data string) (*Template, error) {
	var opts []CompileOption
	if c.maxDepth > 0 {
		opts = append(opts, WithMaxDepth(c.maxDepth))
	}
	tpl, err := Compile(data, c.buildFlags, "", opts...)
	if err != nil {
		if c.errorSink != nil {
			c.errorSink(err)
		}
		return nil, err
	}
	tpl.compiler = c
	return tpl, nil
}

// CompileFile compiles a Mustache template read from a file.
func (c *Compiler) CompileFile(filename string) (*Template, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, wrapErr(KindSystem, 0, err, "reading template file %q", filename)
	}
	tpl, err := c.CompileString(string(data))
	if err != nil {
		return nil, err
	}
	tpl.Name = filename
	return tpl, nil
}

// settings returns compiler bookkeeping attached at CompileString/CompileFile
// time, or the package defaults if the Template was produced directly by
// Compile.
func (t *Template) settings() *Compiler {
	if t.compiler != nil {
		return t.compiler
	}
	return New()
}

// Render renders the template against data and returns the result.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.FRender(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FRender renders the template against data, writing to w.
func (t *Template) FRender(w ioWriter, data any) error {
	c := t.settings()
	sink := NewSink(w, c.escMode)
	rp := NewReflectProvider(data, c.escMode, c.applyFlags)
	if c.stringifier != nil {
		rp = rp.WithStringifier(c.stringifier)
	}
	provider := Wrap(rp, c.applyFlags)
	applier := NewApplier(sink, provider, c.partial, c.applyFlags, c.maxNesting)
	err := applier.Apply(t)
	if err != nil && c.errorSink != nil {
		c.errorSink(err)
	}
	return err
}

// RenderInLayout renders the template as the "content" of layout: layout is
// rendered with an extra {{content}} or {{{content}}} variable bound to
// this template's own rendered output, mirroring hoisie-mustache's
// RenderInLayout helper.
func (t *Template) RenderInLayout(layout *Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.FRenderInLayout(&buf, layout, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FRenderInLayout is RenderInLayout, writing to w.
func (t *Template) FRenderInLayout(w ioWriter, layout *Template, data any) error {
	content, err := t.Render(data)
	if err != nil {
		return err
	}
	wrapped := &layoutData{inner: data, content: content}
	return layout.FRender(w, wrapped)
}

// layoutData overlays a "content" field onto an existing data value for
// RenderInLayout, delegating every other field lookup back to the wrapped
// value via DynamicFields.
type layoutData struct {
	inner   any
	content string
}

var _ DynamicFields = (*layoutData)(nil)

func (l *layoutData) MustacheField(name string) (any, bool) {
	if name == "content" {
		return l.content, true
	}
	return LookupField(l.inner, name)
}

// ioWriter is the minimal io.Writer this file needs, named locally so
// template.go doesn't have to import "io" solely for a parameter type used
// in two signatures.
type ioWriter interface {
	Write(p []byte) (n int, err error)
}

// toJSONString renders data as JSON, the ValueStringer JSONTemplate installs
// on every leaf so variable interpolation inside a JSON-mode template emits
// valid JSON literals rather than HTML-escaped text.
func toJSONString(data any) (string, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// JSONTemplate compiles a template whose variable interpolations render as
// JSON literals — numbers, booleans, and strings all properly quoted and
// escaped — for embedding mustache output inside a JSON document.
func JSONTemplate(template string) (*Template, error) {
	return New().WithEscapeMode(EscapeNone).WithValueStringer(toJSONString).CompileString(template)
}
