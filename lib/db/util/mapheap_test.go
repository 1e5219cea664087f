package util

import (
	"sort"
	"testing"
)

// TestAddItem tests adding items to the heap
func TestAddItem(t *testing.T) {
	mh := NewMapHeap[int64]()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}
	for _, k := range []int64{1, 2, 3} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %d", k)
		}
	}

	it, exists := mh.Peek()
	if !exists {
		t.Fatal("Peek() should return an item")
	}
	if it.Key != 3 || it.Priority != 50 {
		t.Errorf("Expected min item to be (3,50), got %s", it)
	}
}

// TestUpdateItem tests updating existing items
func TestUpdateItem(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem("a", 100)
	mh.AddItem("b", 200)
	mh.AddItem("a", 300)

	it, _ := mh.GetByKey("a")
	if it.Priority != 300 {
		t.Errorf("Item a should have priority 300, got %d", it.Priority)
	}
	if min, _ := mh.Peek(); min.Key != "b" {
		t.Errorf("Min item should now be b, got %s", min.Key)
	}

	mh.AddItem("b", 400)
	if min, _ := mh.Peek(); min.Key != "a" {
		t.Errorf("Min item should now be a, got %s", min.Key)
	}
}

// TestRemoveByKey tests removing items by key
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[int64]()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 300)

	priority, exists := mh.RemoveByKey(2)
	if !exists || priority != 200 {
		t.Fatalf("RemoveByKey(2) = %d, %v; want 200, true", priority, exists)
	}
	if mh.Len() != 2 || mh.Contains(2) {
		t.Error("Heap should not contain key 2 after removal")
	}
	if _, exists = mh.RemoveByKey(99); exists {
		t.Error("RemoveByKey should return false for non-existent key")
	}
}

// TestPopOrder tests if items are popped in correct order
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[int64]()
	items := []struct {
		key      int64
		priority int64
	}{
		{5, 50}, {3, 30}, {1, 10}, {4, 40}, {2, 20}, {6, -5},
	}
	for _, it := range items {
		mh.AddItem(it.key, it.priority)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].priority < items[j].priority })

	for i, expected := range items {
		it, ok := mh.PopMin()
		if !ok {
			t.Fatalf("Heap empty after %d items", i)
		}
		if it.Key != expected.key || it.Priority != expected.priority {
			t.Errorf("Pop %d: expected (%d,%d), got %s", i, expected.key, expected.priority, it)
		}
	}
	if _, ok := mh.PopMin(); ok {
		t.Error("PopMin on empty heap should return false")
	}
	if _, ok := mh.Peek(); ok {
		t.Error("Peek on empty heap should return false")
	}
}
