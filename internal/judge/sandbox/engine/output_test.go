package engine

import (
	"strings"
	"testing"
)

func TestCappedWriterTruncatesAndSignalsOnce(t *testing.T) {
	calls := 0
	w := newCappedWriter(8, func() { calls++ })

	if n, err := w.Write([]byte("12345")); n != 5 || err != nil {
		t.Fatalf("write = %d, %v", n, err)
	}
	if w.Truncated() {
		t.Fatalf("not truncated yet")
	}
	if n, err := w.Write([]byte("67890")); n != 5 || err != nil {
		t.Fatalf("overflowing write must report full length, got %d, %v", n, err)
	}
	_, _ = w.Write([]byte("more"))

	if got := w.String(); got != "12345678" {
		t.Fatalf("kept %q, want %q", got, "12345678")
	}
	if !w.Truncated() {
		t.Fatalf("expected truncated")
	}
	if calls != 1 {
		t.Fatalf("expected overflow callback once, got %d", calls)
	}
}

func TestCappedWriterExactLimitIsNotOverflow(t *testing.T) {
	calls := 0
	w := newCappedWriter(4, func() { calls++ })
	_, _ = w.Write([]byte("abcd"))
	if w.Truncated() || calls != 0 {
		t.Fatalf("writing exactly the limit must not overflow")
	}
}

func TestExcerptWriterKeepsPrefix(t *testing.T) {
	w := newExcerptWriter(10)
	_, _ = w.Write([]byte(strings.Repeat("e", 7)))
	_, _ = w.Write([]byte("rror!!!"))
	if got := w.String(); got != "eeeeeeerro" {
		t.Fatalf("excerpt = %q", got)
	}
}
