package handoff

import "testing"

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()

	if pos := q.Enqueue(Ticket{SessionID: "low", Priority: 1}); pos != 1 {
		t.Errorf("Enqueue(low) = %d, want 1", pos)
	}
	if pos := q.Enqueue(Ticket{SessionID: "high", Priority: 20}); pos != 1 {
		t.Errorf("Enqueue(high) = %d, want 1", pos)
	}
	if pos := q.Enqueue(Ticket{SessionID: "tie", Priority: 20}); pos != 2 {
		t.Errorf("Enqueue(tie) = %d, want 2 (after equal priority)", pos)
	}

	var order []string
	for _, tk := range q.List() {
		order = append(order, tk.SessionID)
	}
	if len(order) != 3 || order[0] != "high" || order[1] != "tie" || order[2] != "low" {
		t.Errorf("List() order = %v", order)
	}

	if q.Position("low") != 3 || q.Position("missing") != 0 {
		t.Errorf("Position() = %d, %d", q.Position("low"), q.Position("missing"))
	}
}

func TestQueueReplaceAndRemove(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Ticket{SessionID: "a", Priority: 1})
	q.Enqueue(Ticket{SessionID: "b", Priority: 2})

	if pos := q.Enqueue(Ticket{SessionID: "a", Priority: 3}); pos != 1 || q.Len() != 2 {
		t.Errorf("re-Enqueue(a) = %d, Len() = %d", pos, q.Len())
	}
	if _, ok := q.Remove("b"); !ok || q.Len() != 1 {
		t.Error("Remove(b) failed")
	}
	if tk, ok := q.Dequeue(); !ok || tk.SessionID != "a" {
		t.Errorf("Dequeue() = %+v, %v", tk, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue() on empty queue should report false")
	}
}
