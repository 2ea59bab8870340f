package message

import "testing"

func TestHeadersAddAndGet(t *testing.T) {
	h := NewHeaders()
	if err := h.Add("Content-Type", "text/plain"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	v, ok := h.Get("content-type")
	if !ok || v != "text/plain" {
		t.Fatalf("Get returned (%q, %v), want (%q, true)", v, ok, "text/plain")
	}
}

func TestHeadersPreservesInsertionOrderAndDuplicates(t *testing.T) {
	h := NewHeaders()
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	values := h.Values("set-cookie")
	if len(values) != 2 || values[0] != "a=1" || values[1] != "b=2" {
		t.Fatalf("Values = %v, want [a=1 b=2]", values)
	}
}

func TestHeadersSetReplacesAllValues(t *testing.T) {
	h := NewHeaders()
	h.Add("X-Tag", "one")
	h.Add("X-Tag", "two")
	if err := h.Set("X-Tag", "three"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	values := h.Values("X-Tag")
	if len(values) != 1 || values[0] != "three" {
		t.Fatalf("Values = %v, want [three]", values)
	}
}

func TestHeadersRemove(t *testing.T) {
	h := NewHeaders()
	h.Add("X-A", "1")
	h.Add("X-B", "2")
	h.Remove("x-a")
	if h.Has("X-A") {
		t.Fatalf("expected X-A removed")
	}
	if !h.Has("X-B") {
		t.Fatalf("expected X-B to remain")
	}
}

func TestHeadersRejectsPseudoHeader(t *testing.T) {
	h := NewHeaders()
	if err := h.Add(":method", "GET"); err == nil {
		t.Fatalf("expected error adding pseudo-header")
	}
}

func TestHeadersRejectsCRLFInjection(t *testing.T) {
	h := NewHeaders()
	if err := h.Add("X-Evil", "value\r\nX-Injected: true"); err == nil {
		t.Fatalf("expected error for CRLF in header value")
	}
	if err := h.Add("X-Evil\r\n", "value"); err == nil {
		t.Fatalf("expected error for CRLF in header name")
	}
}

func TestHeadersClone(t *testing.T) {
	h := NewHeaders()
	h.Add("X-A", "1")
	c := h.Clone()
	c.Add("X-A", "2")
	if h.Len() != 1 {
		t.Fatalf("original Headers mutated by clone, Len = %d", h.Len())
	}
	if c.Len() != 2 {
		t.Fatalf("clone Len = %d, want 2", c.Len())
	}
}

func TestHeadersEachOrder(t *testing.T) {
	h := NewHeaders()
	h.Add("A", "1")
	h.Add("B", "2")
	var names []string
	h.Each(func(name, value string) { names = append(names, name) })
	if len(names) != 2 || names[0] != "A" || names[1] != "B" {
		t.Fatalf("Each order = %v, want [A B]", names)
	}
}
