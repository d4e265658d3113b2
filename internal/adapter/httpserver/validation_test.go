package httpserver

import "testing"

func TestParsePagination(t *testing.T) {
	if off, lim := parsePagination("", ""); off != 0 || lim != 0 {
		t.Fatalf("empty input should default to 0,0, got %d,%d", off, lim)
	}
	if off, lim := parsePagination("20", "50"); off != 20 || lim != 50 {
		t.Fatalf("got %d,%d, want 20,50", off, lim)
	}
	if off, lim := parsePagination("-5", "abc"); off != 0 || lim != 0 {
		t.Fatalf("negative/invalid input should default to 0,0, got %d,%d", off, lim)
	}
}

func TestParseInt64(t *testing.T) {
	if v := parseInt64(""); v != 0 {
		t.Fatalf("empty should be 0, got %d", v)
	}
	if v := parseInt64("abc"); v != 0 {
		t.Fatalf("invalid should be 0, got %d", v)
	}
	if v := parseInt64("42"); v != 42 {
		t.Fatalf("want 42, got %d", v)
	}
}

func TestParseBool(t *testing.T) {
	if !parseBool("", true) {
		t.Fatalf("empty should fall back to default true")
	}
	if parseBool("", false) {
		t.Fatalf("empty should fall back to default false")
	}
	if parseBool("false", true) {
		t.Fatalf("explicit false should override default")
	}
	if !parseBool("garbage", true) {
		t.Fatalf("unparsable value should fall back to default")
	}
}
