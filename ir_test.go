package mustach

import "testing"

func TestWordPacking(t *testing.T) {
	cases := []struct {
		op  Opcode
		val uint32
	}{
		{OpText, 0},
		{OpReplEsc, 12345},
		{OpStop, 0},
		{OpWhile, TagValueMax},
	}
	for _, c := range cases {
		w := mkWord(c.op, c.val)
		if got := w.op(); got != c.op {
			t.Errorf("mkWord(%v, %d).op() = %v, want %v", c.op, c.val, got, c.op)
		}
		if got := w.val(); got != c.val {
			t.Errorf("mkWord(%v, %d).val() = %d, want %d", c.op, c.val, got, c.val)
		}
	}
}

func TestOpcodeString(t *testing.T) {
	if OpReplEsc.String() != "REPL_ESC" {
		t.Errorf("got %q, want REPL_ESC", OpReplEsc.String())
	}
	if got := Opcode(999).String(); got != "OP(?)" {
		t.Errorf("got %q for out-of-range opcode, want OP(?)", got)
	}
}

func TestPackUnpackInline(t *testing.T) {
	for _, s := range []string{"", "a", "abcd", "hello world", "x"} {
		words := packInline(s)
		if got := len(words); got != refWords(len(s)) {
			t.Errorf("packInline(%q) produced %d words, want %d", s, got, refWords(len(s)))
		}
		got := unpackInline(words, 0, len(s))
		if got != s {
			t.Errorf("unpackInline(packInline(%q)) = %q", s, got)
		}
	}
}

// TestBackPatchAddresses confirms the compiler's end-address back-patching:
// a WHILE's reserved end slot must point one past its matching NEXT, and a
// PARENT/BLOCK's end slot one past its OpEnd.
func TestBackPatchAddresses(t *testing.T) {
	tpl, err := Compile(`{{#a}}x{{/a}}`, 0, "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// Code layout: WHILE(a), ref, endSlot, TEXT("x"), ref, NEXT, headAddr, STOP, STOP
	if tpl.Code[0].op() != OpWhile {
		t.Fatalf("Code[0] = %v, want OpWhile", tpl.Code[0].op())
	}
	// NEXT is a two-word instruction (opcode word, raw target-address word);
	// the back-patched end address points one past both words.
	endAddr := uint32(tpl.Code[2])
	if tpl.Code[endAddr-2].op() != OpNext {
		t.Errorf("end address %d does not point just past the matching NEXT (found %v)", endAddr, tpl.Code[endAddr-2].op())
	}
}

func TestBackPatchParentBlock(t *testing.T) {
	tpl, err := Compile(`{{<p}}{{$b}}body{{/b}}{{/p}}`, 0, "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if tpl.Code[0].op() != OpParent {
		t.Fatalf("Code[0] = %v, want OpParent", tpl.Code[0].op())
	}
	endAddr := uint32(tpl.Code[2])
	if tpl.Code[endAddr-1].op() != OpEnd {
		t.Errorf("PARENT end address %d does not point just past OpEnd (found %v)", endAddr, tpl.Code[endAddr-1].op())
	}
}
