package lispval

import (
	"testing"

	"stickylisp/internal/tagged"
)

func TestNewPairRoundTripsFirstSecond(t *testing.T) {
	h := newTestHeap()
	one, _ := tagged.NewInt(1)
	two, _ := tagged.NewInt(2)
	p, err := NewPair(h, one, two)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	if !tagged.Equal(p.First.Get(), one) {
		t.Fatalf("expected first to round-trip")
	}
	if !tagged.Equal(p.Second.Get(), two) {
		t.Fatalf("expected second to round-trip")
	}
}

func TestNewListThenElementsRoundTrips(t *testing.T) {
	h := newTestHeap()
	items := make([]tagged.TaggedPtr, 0, 3)
	for i := 0; i < 3; i++ {
		v, _ := tagged.NewInt(i)
		items = append(items, v)
	}
	list, err := NewList(h, items)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	got, ok := Elements(list)
	if !ok {
		t.Fatalf("expected a proper list")
	}
	if len(got) != len(items) {
		t.Fatalf("expected %d elements, got %d", len(items), len(got))
	}
	for i := range items {
		if !tagged.Equal(got[i], items[i]) {
			t.Fatalf("element %d did not round-trip", i)
		}
	}
}

func TestElementsRejectsImproperList(t *testing.T) {
	h := newTestHeap()
	one, _ := tagged.NewInt(1)
	two, _ := tagged.NewInt(2)
	p, err := NewPair(h, one, two)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	if _, ok := Elements(tagged.NewPair(p)); ok {
		t.Fatalf("expected an improper list (cdr not nil or a pair) to be rejected")
	}
}

func TestEmptyListIsNil(t *testing.T) {
	h := newTestHeap()
	list, err := NewList(h, nil)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	if !list.IsNil() {
		t.Fatalf("expected the empty list to be the nil sentinel")
	}
	items, ok := Elements(list)
	if !ok || len(items) != 0 {
		t.Fatalf("expected zero elements from the empty list")
	}
}
