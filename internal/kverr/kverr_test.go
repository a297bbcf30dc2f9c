package kverr

import (
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("begin_txn: %w", ErrConflict)
	if got := KindOf(err); got != KindConflict {
		t.Fatalf("KindOf = %v, want KindConflict", got)
	}
}

func TestRetriable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrConflict, true},
		{ErrCancelled, true},
		{ErrUnavailable, true},
		{ErrCorruption, false},
		{ErrNotFound, false},
		{fmt.Errorf("wrapped: %w", ErrConflict), true},
	}
	for _, c := range cases {
		if got := Retriable(c.err); got != c.want {
			t.Errorf("Retriable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestKindOfUnknown(t *testing.T) {
	if KindOf(fmt.Errorf("plain")) != KindUnknown {
		t.Fatal("expected KindUnknown for an unrelated error")
	}
}
