package lispval

import "testing"

func TestArrayPushPopOrdering(t *testing.T) {
	h := newTestHeap()
	a, err := NewArray[int](h, 2)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := a.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if a.Length() != 5 {
		t.Fatalf("expected length 5, got %d", a.Length())
	}
	if a.Capacity() < 5 {
		t.Fatalf("expected the backing buffer to have grown to at least 5, got %d", a.Capacity())
	}
	for i := 4; i >= 0; i-- {
		v, err := a.Pop()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if v != i {
			t.Fatalf("expected pop order to be LIFO: expected %d, got %d", i, v)
		}
	}
}

func TestArrayGetSetBoundsChecked(t *testing.T) {
	h := newTestHeap()
	a, _ := NewArray[int](h, 4)
	if _, err := a.Get(0); err == nil {
		t.Fatalf("expected an out-of-bounds error on an empty array")
	}
	if err := a.Push(10); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := a.Set(0, 20); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := a.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 20 {
		t.Fatalf("expected 20, got %d", v)
	}
}

func TestArrayExclusiveBorrowBlocksPush(t *testing.T) {
	h := newTestHeap()
	a, _ := NewArray[int](h, 4)
	release, err := a.BorrowExclusive()
	if err != nil {
		t.Fatalf("BorrowExclusive: %v", err)
	}
	if err := a.Push(1); err == nil {
		t.Fatalf("expected Push to fail while exclusively borrowed")
	}
	release()
	if err := a.Push(1); err != nil {
		t.Fatalf("expected Push to succeed once the borrow is released: %v", err)
	}
}

func TestArraySharedBorrowsStack(t *testing.T) {
	h := newTestHeap()
	a, _ := NewArray[int](h, 4)
	releaseA, err := a.BorrowShared()
	if err != nil {
		t.Fatalf("BorrowShared: %v", err)
	}
	releaseB, err := a.BorrowShared()
	if err != nil {
		t.Fatalf("second BorrowShared: %v", err)
	}
	if _, err := a.BorrowExclusive(); err == nil {
		t.Fatalf("expected BorrowExclusive to fail while shared borrows are outstanding")
	}
	releaseA()
	releaseB()
	if _, err := a.BorrowExclusive(); err != nil {
		t.Fatalf("expected BorrowExclusive to succeed once all shared borrows release: %v", err)
	}
}

func TestArrayTruncateAndGrowTo(t *testing.T) {
	h := newTestHeap()
	a, _ := NewArray[int](h, 2)
	for i := 0; i < 4; i++ {
		_ = a.Push(i)
	}
	if err := a.Truncate(2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if a.Length() != 2 {
		t.Fatalf("expected length 2 after truncate, got %d", a.Length())
	}
	if err := a.GrowTo(6); err != nil {
		t.Fatalf("GrowTo: %v", err)
	}
	if a.Length() != 6 {
		t.Fatalf("expected length 6 after GrowTo, got %d", a.Length())
	}
	if a.Capacity() < 6 {
		t.Fatalf("expected capacity to have grown to at least 6, got %d", a.Capacity())
	}
}
