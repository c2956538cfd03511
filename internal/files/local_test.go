package files

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestLocalPutGetDelete(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	info, err := s.Put(ctx, "reports/q2.csv", "text/csv", strings.NewReader("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != 8 {
		t.Fatalf("size = %d, want 8", info.Size)
	}

	r, got, err := s.Get(ctx, "reports/q2.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "a,b\n1,2\n" || got.Size != 8 {
		t.Fatalf("got %q (%+v)", data, got)
	}

	if err := s.Delete(ctx, "reports/q2.csv"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Get(ctx, "reports/q2.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalList(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"a/one.txt", "a/two.txt", "b/three.txt"} {
		if _, err := s.Put(ctx, key, "text/plain", strings.NewReader("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d objects, want 3", len(all))
	}

	prefixed, err := s.List(ctx, "a/")
	if err != nil {
		t.Fatalf("List prefixed: %v", err)
	}
	if len(prefixed) != 2 {
		t.Fatalf("got %d objects under a/, want 2", len(prefixed))
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"../outside", "/etc/passwd", "a/../../escape"} {
		if _, err := s.Put(ctx, key, "", strings.NewReader("x")); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestLocalDeleteMissingIsQuiet(t *testing.T) {
	s := newLocalStore(t)
	if err := s.Delete(context.Background(), "never-existed"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
