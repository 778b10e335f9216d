package mustach

import (
	"errors"
	"testing"
)

// FuzzCompile replaces the teacher's go-fuzz-tagged mustache_fuzz.go with
// Go's built-in fuzzing (testing.F, stdlib since Go 1.18 — see DESIGN.md's
// "Dropped teacher files"): the compiler must never panic on arbitrary
// input, only ever return a well-formed *Error or a usable Template.
func FuzzCompile(f *testing.F) {
	seeds := []string{
		"",
		"{{x}}",
		"{{{x}}}",
		"{{#a}}{{/a}}",
		"{{^a}}{{/a}}",
		"{{=<< >>=}}",
		"{{!comment}}",
		"{{<a}}{{$b}}{{/b}}{{/a}}",
		"{{/unmatched}}",
		"{{#a}}unterminated",
		"{{",
		"{{}}",
	}
	for _, s := range seeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, tmpl string) {
		tpl, err := Compile(tmpl, 0, "")
		if err != nil {
			var merr *Error
			if !errors.As(err, &merr) {
				t.Fatalf("Compile returned a non-*mustach.Error: %v", err)
			}
			return
		}
		if tpl == nil {
			t.Fatal("Compile returned nil Template with nil error")
		}
	})
}
