package hash

import (
	"bytes"
	"strings"
	"testing"
)

func TestSum256HexEmptyInput(t *testing.T) {
	got, err := Sum256Hex(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Sum256Hex: %v", err)
	}
	if len(got) != Size*2 {
		t.Fatalf("expected %d hex chars for empty input, got %d (%s)", Size*2, len(got), got)
	}
	again, err := Sum256Hex(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Sum256Hex: %v", err)
	}
	if got != again {
		t.Fatalf("expected stable digest of empty input, got %s and %s", got, again)
	}
}

func TestSum256HexIsDeterministic(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	first, err := Sum256Hex(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Sum256Hex: %v", err)
	}
	second, err := Sum256Hex(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Sum256Hex: %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic digest, got %s and %s", first, second)
	}
	if len(first) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d", Size*2, len(first))
	}
	if strings.ToLower(first) != first {
		t.Fatalf("expected lowercase hex digest, got %s", first)
	}
}

func TestHasherIncrementalMatchesOneShot(t *testing.T) {
	data := []byte("streamed in multiple chunks to exercise incremental writes")
	oneShot, err := Sum256Hex(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Sum256Hex: %v", err)
	}

	h := New()
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		if _, err := h.Write(data[i:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := h.SumHex(); got != oneShot {
		t.Fatalf("incremental digest %s does not match one-shot digest %s", got, oneShot)
	}
}

func TestSum256HexDistinguishesInputs(t *testing.T) {
	a, err := Sum256Hex(strings.NewReader("a"))
	if err != nil {
		t.Fatalf("Sum256Hex: %v", err)
	}
	b, err := Sum256Hex(strings.NewReader("b"))
	if err != nil {
		t.Fatalf("Sum256Hex: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct digests for distinct inputs")
	}
}
