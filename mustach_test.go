package mustach

import (
	"errors"
	"strings"
	"testing"
)

// renderTest mirrors the table-driven {tmpl, context, expected, err} shape
// hayeah-mustache/mustache_test.go uses, adapted to this package's API and
// the concrete scenarios of spec.md §8.
type renderTest struct {
	name     string
	tmpl     string
	context  interface{}
	expected string
	errKind  Kind // zero means "no error expected"
}

func runRenderTests(t *testing.T, tests []renderTest) {
	t.Helper()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := New().CompileString(tt.tmpl)
			if err == nil {
				var out string
				out, err = tpl.Render(tt.context)
				if err == nil && out != tt.expected {
					t.Errorf("got %q, want %q", out, tt.expected)
				}
			}
			if tt.errKind == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			var merr *Error
			if !errors.As(err, &merr) {
				t.Fatalf("expected *mustach.Error, got %v", err)
			}
			if merr.Kind != tt.errKind {
				t.Errorf("got error kind %v, want %v", merr.Kind, tt.errKind)
			}
		})
	}
}

// TestSpecScenarios exercises spec.md §8's seven concrete scenarios verbatim.
func TestSpecScenarios(t *testing.T) {
	runRenderTests(t, []renderTest{
		{
			name:     "simple substitution escaped",
			tmpl:     `Hello, {{name}}!`,
			context:  map[string]string{"name": "<b>"},
			expected: `Hello, &lt;b&gt;!`,
		},
		{
			name:     "raw substitution",
			tmpl:     `{{{html}}}`,
			context:  map[string]string{"html": "<i>ok</i>"},
			expected: `<i>ok</i>`,
		},
		{
			name:     "section iteration",
			tmpl:     `{{#xs}}[{{.}}]{{/xs}}`,
			context:  map[string]interface{}{"xs": []interface{}{1, "a", true}},
			expected: `[1][a][true]`,
		},
		{
			name:     "inverted section",
			tmpl:     `{{^xs}}none{{/xs}}`,
			context:  map[string]interface{}{"xs": []interface{}{}},
			expected: `none`,
		},
		{
			name:     "standalone comment strips its line",
			tmpl:     "A\n  {{! hi }}\nB",
			context:  nil,
			expected: "A\nB",
		},
		{
			name:     "delimiter change",
			tmpl:     `{{=<< >>=}}<<x>>`,
			context:  map[string]string{"x": "y"},
			expected: `y`,
		},
	})
}

// TestPartialIndentation covers scenario 6: every line of a partial's
// rendered output is reindented by its standalone call site's prefix.
func TestPartialIndentation(t *testing.T) {
	tpl, err := New().
		WithPartials(&StaticProvider{Partials: map[string]string{"p": "a\nb"}}).
		CompileString("head\n  {{>p}}\ntail")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tpl.Render(nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "head\n  a\n  b\ntail"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

// TestPartialIndentationCompounds checks that nested standalone partial
// calls compound their prefixes (spec.md §8 law 6's "including recursively
// -called partials (compounded)").
func TestPartialIndentationCompounds(t *testing.T) {
	tpl, err := New().
		WithPartials(&StaticProvider{Partials: map[string]string{
			"outer": "x\n  {{>inner}}",
			"inner": "y\nz",
		}}).
		CompileString("  {{>outer}}")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tpl.Render(nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "  x\n    y\n    z"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

// TestStandaloneIdempotence is property 1: a template with only standalone
// non-emitting tags renders to the empty string for any data.
func TestStandaloneIdempotence(t *testing.T) {
	tmpl := "{{! comment }}\n{{#a}}\n{{/a}}\n{{^b}}\n{{/b}}\n{{=<< >>=}}\n"
	tpl, err := New().CompileString(tmpl)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, data := range []interface{}{nil, map[string]interface{}{"a": true, "b": false}, map[string]interface{}{}} {
		out, err := tpl.Render(data)
		if err != nil {
			t.Fatalf("render(%v): %v", data, err)
		}
		if out != "" {
			t.Errorf("render(%v) = %q, want empty", data, out)
		}
	}
}

// TestDelimiterSymmetry is property 2.
func TestDelimiterSymmetry(t *testing.T) {
	a, err := New().CompileString(`{{x}}`)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New().CompileString(`{{=<% %>=}}<%x%>`)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]string{"x": "hi"}
	outA, err := a.Render(data)
	if err != nil {
		t.Fatal(err)
	}
	outB, err := b.Render(data)
	if err != nil {
		t.Fatal(err)
	}
	if outA != outB {
		t.Errorf("got %q and %q, want identical output", outA, outB)
	}
}

// TestCloseMatch is property 4.
func TestCloseMatch(t *testing.T) {
	_, err := New().CompileString(`{{#a}}...{{/b}}`)
	var merr *Error
	if !errors.As(err, &merr) || merr.Kind != KindClosing {
		t.Fatalf("got %v, want KindClosing", err)
	}
}

// TestEscapeMinimality is property 5.
func TestEscapeMinimality(t *testing.T) {
	tpl, err := New().CompileString(`{{v}}`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tpl.Render(map[string]string{"v": "café <tag> & \"quote\""})
	if err != nil {
		t.Fatal(err)
	}
	want := "café &lt;tag&gt; &amp; &quot;quote&quot;"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

// TestDepthBound is property 7.
func TestDepthBound(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("{{#a}}")
	}
	for i := 0; i < 40; i++ {
		sb.WriteString("{{/a}}")
	}
	_, err := New().WithMaxDepth(4).CompileString(sb.String())
	var merr *Error
	if !errors.As(err, &merr) || merr.Kind != KindTooDeep {
		t.Fatalf("got %v, want KindTooDeep", err)
	}
}

// TestNestingBound is property 8: a partial that includes itself fails at
// exactly MaxNesting recursive expansions.
func TestNestingBound(t *testing.T) {
	tpl, err := New().
		WithPartials(&StaticProvider{Partials: map[string]string{"p": "{{>p}}"}}).
		WithMaxNesting(5).
		CompileString("{{>p}}")
	if err != nil {
		t.Fatal(err)
	}
	_, err = tpl.Render(nil)
	var merr *Error
	if !errors.As(err, &merr) || merr.Kind != KindTooMuchNesting {
		t.Fatalf("got %v, want KindTooMuchNesting", err)
	}
}

func TestSectionIterationLaw(t *testing.T) {
	runRenderTests(t, []renderTest{
		{
			name:     "section concatenates body once per item",
			tmpl:     `{{#xs}}{{.}}-{{/xs}}`,
			context:  map[string]interface{}{"xs": []int{1, 2, 3}},
			expected: "1-2-3-",
		},
		{
			name:     "inverted renders exactly once when section is empty",
			tmpl:     `{{^xs}}empty{{/xs}}`,
			context:  map[string]interface{}{"xs": []int{}},
			expected: "empty",
		},
		{
			name:     "inverted renders nothing when section is non-empty",
			tmpl:     `{{^xs}}empty{{/xs}}`,
			context:  map[string]interface{}{"xs": []int{1}},
			expected: "",
		},
	})
}

func TestParserErrors(t *testing.T) {
	runRenderTests(t, []renderTest{
		{name: "unexpected end missing close", tmpl: `{{x`, errKind: KindUnexpectedEnd},
		{name: "unexpected end unterminated section", tmpl: `{{#a}}body`, errKind: KindUnexpectedEnd},
		{name: "empty tag", tmpl: `{{}}`, errKind: KindEmptyTag},
		{name: "bad delimiter missing pair", tmpl: `{{=x=}}`, errKind: KindBadDelimiter},
		{name: "unclosed triple mustache", tmpl: `{{{x}}`, errKind: KindUnexpectedEnd},
		{name: "unmatched close", tmpl: `{{/a}}`, errKind: KindClosing},
	})
}

func TestBlockParentInheritance(t *testing.T) {
	parent := "Header\n{{$body}}default body{{/body}}\nFooter"
	tpl, err := New().
		WithPartials(&StaticProvider{Partials: map[string]string{"layout": parent}}).
		CompileString("{{<layout}}{{$body}}custom body{{/body}}{{/layout}}")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tpl.Render(nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "Header\ncustom body\nFooter"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestBlockParentDefaultWhenNotOverridden(t *testing.T) {
	parent := "Header\n{{$body}}default body{{/body}}\nFooter"
	tpl, err := New().
		WithPartials(&StaticProvider{Partials: map[string]string{"layout": parent}}).
		CompileString("{{<layout}}{{/layout}}")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tpl.Render(nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "Header\ndefault body\nFooter"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestErrorUndefinedTag(t *testing.T) {
	tpl, err := New().WithErrors(true).CompileString(`{{missing}}`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tpl.Render(map[string]string{})
	var merr *Error
	if !errors.As(err, &merr) || merr.Kind != KindUndefinedTag {
		t.Fatalf("got %v, want KindUndefinedTag", err)
	}
}

func TestRenderInLayout(t *testing.T) {
	layout, err := New().CompileString(`<{{{content}}}>`)
	if err != nil {
		t.Fatal(err)
	}
	tpl, err := New().CompileString(`hi {{name}}`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tpl.RenderInLayout(layout, map[string]string{"name": "Mike"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "<hi Mike>" {
		t.Errorf("got %q, want %q", out, "<hi Mike>")
	}
}

func TestJSONTemplate(t *testing.T) {
	tpl, err := JSONTemplate(`{"name": {{name}}, "ok": {{ok}}}`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tpl.Render(map[string]interface{}{"name": "Mike", "ok": true})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"name": "Mike", "ok": true}`
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestValueLambda(t *testing.T) {
	tpl, err := New().CompileString(`{{greeting}}`)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]interface{}{
		"name": "Mike",
		"greeting": Lambda(func() (string, error) {
			return "Hello {{name}}", nil
		}),
	}
	out, err := tpl.Render(data)
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hello Mike" {
		t.Errorf("got %q, want %q", out, "Hello Mike")
	}
}

func TestLambdaSectionTrueSectionSyntax(t *testing.T) {
	tpl, err := New().CompileString(`{{#bold}}Hi {{name}}{{/bold}}`)
	if err != nil {
		t.Fatal(err)
	}
	var gotRaw string
	data := map[string]interface{}{
		"name": "Mike",
		"bold": SectionLambda(func(text string, render func(string) (string, error)) (string, error) {
			gotRaw = text
			rendered, err := render(text)
			if err != nil {
				return "", err
			}
			return "<b>" + rendered + "</b>", nil
		}),
	}
	out, err := tpl.Render(data)
	if err != nil {
		t.Fatal(err)
	}
	if gotRaw != "Hi {{name}}" {
		t.Errorf("lambda saw raw text %q, want %q", gotRaw, "Hi {{name}}")
	}
	if out != "<b>Hi Mike</b>" {
		t.Errorf("got %q, want %q", out, "<b>Hi Mike</b>")
	}
}

func TestPartialFromDataField(t *testing.T) {
	tpl, err := New().CompileString(`before {{>greeting}} after`)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]interface{}{"greeting": "Bob"}
	out, err := tpl.Render(data)
	if err != nil {
		t.Fatal(err)
	}
	if out != "before Bob after" {
		t.Errorf("got %q, want %q", out, "before Bob after")
	}
}

func TestStructTagLookup(t *testing.T) {
	type item struct {
		Label string `mustache:"name"`
	}
	tpl, err := New().CompileString(`{{name}}`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tpl.Render(item{Label: "widget"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "widget" {
		t.Errorf("got %q, want %q", out, "widget")
	}
}

func TestObjectIteration(t *testing.T) {
	tpl, err := New().CompileString(`{{#fields.*}}{{Key}}={{Value}};{{/fields.*}}`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tpl.Render(map[string]interface{}{"fields": map[string]interface{}{"b": 2, "a": 1}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "a=1;b=2;" {
		t.Errorf("got %q, want %q", out, "a=1;b=2;")
	}
}

func TestComparisonFilter(t *testing.T) {
	tpl, err := New().CompileString(`{{#age>=18}}adult{{/age>=18}}`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tpl.Render(map[string]interface{}{"age": 21})
	if err != nil {
		t.Fatal(err)
	}
	if out != "adult" {
		t.Errorf("got %q, want %q", out, "adult")
	}
	out, err = tpl.Render(map[string]interface{}{"age": 12})
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("got %q, want empty", out)
	}
}

func TestJSONPointerPath(t *testing.T) {
	tpl, err := New().CompileString(`{{&/a/b}}`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tpl.Render(map[string]interface{}{"a": map[string]interface{}{"b": "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hi" {
		t.Errorf("got %q, want %q", out, "hi")
	}
}
