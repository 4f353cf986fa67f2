package msgkit

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitLinesEmpty(t *testing.T) {
	t.Parallel()
	if got := SplitLines(nil, 100); got != nil {
		t.Fatalf("SplitLines(nil) = %q, want nil", got)
	}
}

func TestSplitLinesPacksEntries(t *testing.T) {
	t.Parallel()
	entries := []string{"aaa", "bbb", "ccc"}
	got := SplitLines(entries, 100)
	if len(got) != 1 {
		t.Fatalf("blocks = %d, want 1: %q", len(got), got)
	}
	if got[0] != "aaa\nbbb\nccc" {
		t.Fatalf("block = %q", got[0])
	}
}

func TestSplitLinesNeverSplitsAnEntry(t *testing.T) {
	t.Parallel()
	entries := []string{
		strings.Repeat("a", 6),
		strings.Repeat("b", 6),
		strings.Repeat("c", 6),
	}
	got := SplitLines(entries, 10)
	if len(got) != 3 {
		t.Fatalf("blocks = %d, want 3: %q", len(got), got)
	}
	for i, b := range got {
		if strings.ContainsRune(b, '\n') {
			t.Fatalf("block %d mixes entries: %q", i, b)
		}
	}
}

func TestSplitLinesHardSplitsOversized(t *testing.T) {
	t.Parallel()
	huge := strings.Repeat("x", 25)
	got := SplitLines([]string{huge}, 10)
	if len(got) != 3 {
		t.Fatalf("blocks = %d, want 3: %q", len(got), got)
	}
	if joined := strings.Join(got, ""); joined != huge {
		t.Fatalf("hard split lost content: %q", joined)
	}
	for _, b := range got {
		if utf8.RuneCountInString(b) > 10 {
			t.Fatalf("block over limit: %q", b)
		}
	}
}

func TestSplitLinesHardSplitPrefersNewline(t *testing.T) {
	t.Parallel()
	entry := strings.Repeat("a", 7) + "\n" + strings.Repeat("b", 7)
	got := SplitLines([]string{entry}, 10)
	if len(got) != 2 {
		t.Fatalf("blocks = %d, want 2: %q", len(got), got)
	}
	if got[0] != strings.Repeat("a", 7) || got[1] != strings.Repeat("b", 7) {
		t.Fatalf("split did not honor newline: %q", got)
	}
}

func TestSplitLinesMultibyte(t *testing.T) {
	t.Parallel()
	entry := strings.Repeat("ü", 15)
	got := SplitLines([]string{entry}, 10)
	for _, b := range got {
		if !utf8.ValidString(b) {
			t.Fatalf("invalid utf8 block: %q", b)
		}
		if utf8.RuneCountInString(b) > 10 {
			t.Fatalf("block over limit: %q", b)
		}
	}
}

func TestCallbackDataRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ns, action, payload string
	}{
		{"ann", "ok", "deadbeef01234567"},
		{"ann", "cancel", ""},
		{"x", "y", "a:b:c"},
	}
	for _, tc := range cases {
		d := Data(tc.ns, tc.action, tc.payload)
		if len(d) > MaxCallbackDataLen {
			t.Fatalf("data too long: %q", d)
		}
		ns, action, payload := ParseData(d)
		if ns != tc.ns || action != tc.action || payload != tc.payload {
			t.Fatalf("round trip (%q) = %q %q %q", d, ns, action, payload)
		}
	}
}

func TestFirstLine(t *testing.T) {
	t.Parallel()
	if got := FirstLine("hello\nworld"); got != "hello" {
		t.Fatalf("FirstLine = %q", got)
	}
	if got := FirstLine("single"); got != "single" {
		t.Fatalf("FirstLine = %q", got)
	}
}

func TestEscAndWrappers(t *testing.T) {
	t.Parallel()
	if got := Esc("<b>&").String(); got != "&lt;b&gt;&amp;" {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("hi").String(); got != "<b>hi</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Mention("user 7", 7).String(); !strings.Contains(got, "tg://user?id=7") {
		t.Fatalf("Mention = %q", got)
	}
}
