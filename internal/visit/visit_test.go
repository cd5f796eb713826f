package visit

import (
	"errors"
	"testing"

	"github.com/mmeshcher/rewardbot-system/internal/dwell"
)

func TestStopwatch_OpenCloseLifecycle(t *testing.T) {
	s := NewStopwatch()

	h, err := s.Open("https://example.com/landing")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h == nil {
		t.Fatal("handle is nil for valid url")
	}
	if !s.IsOpen(h) {
		t.Fatal("handle should be open")
	}

	s.Close(h)
	if s.IsOpen(h) {
		t.Fatal("handle should be closed")
	}
}

func TestStopwatch_RejectsBadURLs(t *testing.T) {
	s := NewStopwatch()

	for _, raw := range []string{"", "ftp://example.com", "not a url", "https://"} {
		h, err := s.Open(raw)
		if !errors.Is(err, dwell.ErrOpenBlocked) {
			t.Fatalf("open %q: err = %v, want ErrOpenBlocked", raw, err)
		}
		if h != nil {
			t.Fatalf("open %q: expected nil handle", raw)
		}
	}
}

func TestStopwatch_HandlesAreIndependent(t *testing.T) {
	s := NewStopwatch()

	h1, _ := s.Open("https://example.com/a")
	h2, _ := s.Open("https://example.com/b")

	s.Close(h1)
	if s.IsOpen(h1) {
		t.Fatal("first handle should be closed")
	}
	if !s.IsOpen(h2) {
		t.Fatal("second handle should stay open")
	}
}
