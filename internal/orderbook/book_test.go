package orderbook

import "testing"

func TestEmptyBook(t *testing.T) {
	b := NewBook()
	if _, ok := b.BestBidPrice(); ok {
		t.Fatal("empty book should have no best bid")
	}
	if _, ok := b.BestAskPrice(); ok {
		t.Fatal("empty book should have no best ask")
	}
	if b.OrderCount() != 0 {
		t.Fatal("empty book OrderCount should be 0")
	}
}

func TestInsertSingleBid(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideBid, BookPrice: 50, RemainingShares: 10})
	price, ok := b.BestBidPrice()
	if !ok || price != 50 {
		t.Fatalf("BestBidPrice = %d,%v want 50,true", price, ok)
	}
}

func TestBidDescendingPriority(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideBid, BookPrice: 40, RemainingShares: 10, CreatedAtMillis: 1})
	b.Insert(&Entry{OrderID: 2, BookSide: SideBid, BookPrice: 60, RemainingShares: 10, CreatedAtMillis: 2})
	b.Insert(&Entry{OrderID: 3, BookSide: SideBid, BookPrice: 50, RemainingShares: 10, CreatedAtMillis: 3})
	price, _ := b.BestBidPrice()
	if price != 60 {
		t.Fatalf("BestBidPrice = %d, want 60 (highest bid)", price)
	}
}

func TestAskAscendingPriority(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideAsk, BookPrice: 70, RemainingShares: 10, CreatedAtMillis: 1})
	b.Insert(&Entry{OrderID: 2, BookSide: SideAsk, BookPrice: 55, RemainingShares: 10, CreatedAtMillis: 2})
	price, _ := b.BestAskPrice()
	if price != 55 {
		t.Fatalf("BestAskPrice = %d, want 55 (lowest ask)", price)
	}
}

func TestTimePriorityWithinLevel(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideBid, BookPrice: 50, RemainingShares: 10, CreatedAtMillis: 100, Seq: 1})
	b.Insert(&Entry{OrderID: 2, BookSide: SideBid, BookPrice: 50, RemainingShares: 10, CreatedAtMillis: 50, Seq: 2})

	var order []uint64
	b.WalkBids(func(e *Entry) bool {
		order = append(order, e.OrderID)
		return true
	})
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected earlier createdAt first, got %v", order)
	}
}

func TestRemoveOrder(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideBid, BookPrice: 50, RemainingShares: 10})
	removed := b.Remove(1)
	if removed == nil {
		t.Fatal("Remove returned nil for existing order")
	}
	if b.OrderCount() != 0 {
		t.Fatal("OrderCount should be 0 after removal")
	}
	if b.Remove(999) != nil {
		t.Fatal("Remove should return nil for missing order")
	}
}

func TestReduceRemainingPartial(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideBid, BookPrice: 50, RemainingShares: 10})
	remaining, removed := b.ReduceRemaining(1, 4)
	if removed || remaining != 6 {
		t.Fatalf("ReduceRemaining = %d,%v want 6,false", remaining, removed)
	}
	if b.OrderCount() != 1 {
		t.Fatal("order should still rest after partial fill")
	}
}

func TestReduceRemainingFull(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideBid, BookPrice: 50, RemainingShares: 10})
	remaining, removed := b.ReduceRemaining(1, 10)
	if !removed || remaining != 0 {
		t.Fatalf("ReduceRemaining = %d,%v want 0,true", remaining, removed)
	}
	if b.OrderCount() != 0 {
		t.Fatal("order should be gone after full fill")
	}
}

func TestDepthAggregatesLevel(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideBid, BookPrice: 50, RemainingShares: 10, CreatedAtMillis: 1})
	b.Insert(&Entry{OrderID: 2, BookSide: SideBid, BookPrice: 50, RemainingShares: 20, CreatedAtMillis: 2})
	b.Insert(&Entry{OrderID: 3, BookSide: SideAsk, BookPrice: 55, RemainingShares: 7, CreatedAtMillis: 1})

	snap := b.Depth()
	if len(snap.Bids) != 1 || snap.Bids[0].RemainingShares != 30 {
		t.Fatalf("expected one aggregated bid level of 30, got %+v", snap.Bids)
	}
	if snap.BestBid != 50 || snap.BestAsk != 55 {
		t.Fatalf("BestBid/BestAsk = %d/%d, want 50/55", snap.BestBid, snap.BestAsk)
	}
}

func TestWalkAsksStopsEarly(t *testing.T) {
	b := NewBook()
	b.Insert(&Entry{OrderID: 1, BookSide: SideAsk, BookPrice: 55, RemainingShares: 10})
	b.Insert(&Entry{OrderID: 2, BookSide: SideAsk, BookPrice: 60, RemainingShares: 10})

	var visited int
	b.WalkAsks(func(e *Entry) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("visited = %d, want 1 (walk should stop when fn returns false)", visited)
	}
}
