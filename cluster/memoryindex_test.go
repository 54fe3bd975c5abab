package cluster

import (
	"math"
	"testing"
)

func TestFloatVectorBytesRoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.14159, -100000.5}
	got := bytesToFloatVector(floatVectorToBytes(v))

	if len(got) != len(v) {
		t.Fatalf("length = %d, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], v[i])
		}
	}
}

func TestFloatVectorToBytesLength(t *testing.T) {
	v := make([]float32, 1536)
	b := floatVectorToBytes(v)
	if len(b) != 1536*4 {
		t.Errorf("byte length = %d, want %d", len(b), 1536*4)
	}
}

func TestContentHashNormalizesCaseAndWhitespace(t *testing.T) {
	a := contentHash("  Hello World  ")
	b := contentHash("hello world")
	if a != b {
		t.Errorf("expected case/whitespace-insensitive hash match: %q != %q", a, b)
	}
}

func TestContentHashDistinguishesDifferentText(t *testing.T) {
	a := contentHash("the quick brown fox")
	b := contentHash("the lazy brown fox")
	if a == b {
		t.Error("expected different text to hash differently")
	}
	if len(a) != 32 {
		t.Errorf("hash length = %d, want 32", len(a))
	}
}

func TestCosineDistanceIdenticalVectors(t *testing.T) {
	v := []float32{1, 2, 3, 4}
	d := cosineDistance(v, v)
	if math.Abs(float64(d)) > 1e-6 {
		t.Errorf("identical vectors should have ~0 distance, got %v", d)
	}
}

func TestCosineDistanceOrthogonalVectors(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	d := cosineDistance(a, b)
	if math.Abs(float64(d)-1) > 1e-6 {
		t.Errorf("orthogonal vectors should have distance 1, got %v", d)
	}
}

func TestCosineDistanceOppositeVectors(t *testing.T) {
	a := []float32{1, 1}
	b := []float32{-1, -1}
	d := cosineDistance(a, b)
	if math.Abs(float64(d)-2) > 1e-6 {
		t.Errorf("opposite vectors should have distance 2, got %v", d)
	}
}

func TestCosineDistanceZeroVectorFallback(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	d := cosineDistance(a, b)
	if d != 1 {
		t.Errorf("zero vector should fall back to distance 1, got %v", d)
	}
}

func TestLastSegment(t *testing.T) {
	cases := map[string]string{
		"nexus:mem:abc123": "abc123",
		"no-colon-here":     "no-colon-here",
		"a:b:c":             "c",
	}
	for in, want := range cases {
		if got := lastSegment(in); got != want {
			t.Errorf("lastSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSortByDistanceOrdersAscending(t *testing.T) {
	results := []scoredMemory{
		{record: MemoryRecord{ID: "c"}, distance: 0.9},
		{record: MemoryRecord{ID: "a"}, distance: 0.1},
		{record: MemoryRecord{ID: "b"}, distance: 0.5},
	}
	sortByDistance(results)

	want := []string{"a", "b", "c"}
	for i, w := range want {
		if results[i].record.ID != w {
			t.Errorf("position %d = %s, want %s", i, results[i].record.ID, w)
		}
	}
}

func TestParseFTSearchReplyDecodesFields(t *testing.T) {
	reply := []any{
		int64(1),
		"nexus:mem:abc123",
		[]any{"text", "hello", "memory_type", "fact", "source_conv", "conv1", "dist", "0.25"},
	}
	results, err := parseFTSearchReply(reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	got := results[0]
	if got.record.ID != "abc123" {
		t.Errorf("ID = %q, want abc123", got.record.ID)
	}
	if got.record.Text != "hello" {
		t.Errorf("Text = %q, want hello", got.record.Text)
	}
	if math.Abs(float64(got.distance)-0.25) > 1e-6 {
		t.Errorf("distance = %v, want 0.25", got.distance)
	}
}

func TestParseFTSearchReplyEmpty(t *testing.T) {
	results, err := parseFTSearchReply([]any{int64(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestNewMemoryIndexDefaultsDims(t *testing.T) {
	m := NewMemoryIndex(nil, "nexus:", 0)
	if m.dims != defaultVectorDims {
		t.Errorf("dims = %d, want default %d", m.dims, defaultVectorDims)
	}

	m2 := NewMemoryIndex(nil, "nexus:", 768)
	if m2.dims != 768 {
		t.Errorf("dims = %d, want 768", m2.dims)
	}
}
