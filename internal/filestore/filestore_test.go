package filestore

import "testing"

func TestCreateOpenReadWrite(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Create("a.txt", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := s.Open("a.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if _, err := h.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := h.Tell(); got != 5 {
		t.Fatalf("expected cursor at 5 after writing 5 bytes, got %d", got)
	}

	h.Seek(0)
	buf := make([]byte, 5)
	n, err := h.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("expected to read back 'hello', got %q (n=%d)", buf[:n], n)
	}

	size, err := h.Length()
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if size != 5 {
		t.Fatalf("expected length 5, got %d", size)
	}
}

func TestReopenGivesIndependentCursor(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Create("b.txt", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h1, err := s.Open("b.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h1.Close()
	h1.Write([]byte("0123456789"))
	h1.Seek(3)

	h2, err := s.Reopen(h1)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer h2.Close()

	if h2.Tell() != 0 {
		t.Fatalf("expected reopened handle to start at cursor 0, got %d", h2.Tell())
	}
	buf := make([]byte, 4)
	h2.Read(buf)
	if string(buf) != "0123" {
		t.Fatalf("expected reopened handle to read from its own cursor, got %q", buf)
	}
	if h1.Tell() != 3 {
		t.Fatalf("expected original handle's cursor to be unaffected, got %d", h1.Tell())
	}
}

func TestCreateFailsIfExists(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Create("c.txt", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create("c.txt", 0); err == nil {
		t.Fatalf("expected second Create to fail")
	}
}

func TestRemove(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Create("d.txt", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Remove("d.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Open("d.txt"); err == nil {
		t.Fatalf("expected Open to fail after Remove")
	}
}
