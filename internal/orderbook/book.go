package orderbook

import (
	"sort"
	"sync"
)

// PriceLevel holds all resting entries at one bookPrice, ordered by time
// priority (earliest createdAt/seq first).
type PriceLevel struct {
	Price  int
	Orders []*Entry
}

// Book is a price-time priority order book for a single round. Bids are
// sorted descending by price; asks ascending. Within a level, orders are
// sorted by (createdAtMillis, seq) ascending, so index 0 is always the next
// order matched at that price.
type Book struct {
	mu       sync.RWMutex
	Bids     []PriceLevel
	Asks     []PriceLevel
	byOrder  map[uint64]*Entry
}

// NewBook creates an empty per-round order book.
func NewBook() *Book {
	return &Book{byOrder: make(map[uint64]*Entry)}
}

// Insert adds a resting entry to the appropriate side, sorted structure.
func (b *Book) Insert(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byOrder[e.OrderID] = e
	if e.BookSide == SideBid {
		b.Bids = addToSide(b.Bids, e, true)
	} else {
		b.Asks = addToSide(b.Asks, e, false)
	}
}

// Remove deletes an entry by order ID and returns it, or nil if absent.
func (b *Book) Remove(orderID uint64) *Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byOrder[orderID]
	if !ok {
		return nil
	}
	delete(b.byOrder, orderID)
	if e.BookSide == SideBid {
		b.Bids = removeFromSide(b.Bids, orderID)
	} else {
		b.Asks = removeFromSide(b.Asks, orderID)
	}
	return e
}

// Get returns the resting entry by order ID, or nil.
func (b *Book) Get(orderID uint64) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byOrder[orderID]
}

// ReduceRemaining shrinks an entry's remaining shares by fillQty, removing
// it from the book entirely once it reaches zero. Returns the new remaining
// quantity and whether the entry was removed.
func (b *Book) ReduceRemaining(orderID uint64, fillQty int64) (remaining int64, removed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byOrder[orderID]
	if !ok {
		return 0, false
	}
	e.RemainingShares -= fillQty
	if e.RemainingShares <= 0 {
		e.RemainingShares = 0
		delete(b.byOrder, orderID)
		if e.BookSide == SideBid {
			b.Bids = removeFromSide(b.Bids, orderID)
		} else {
			b.Asks = removeFromSide(b.Asks, orderID)
		}
		return 0, true
	}
	return e.RemainingShares, false
}

// BestBidPrice returns the best (highest) bid price and whether one exists.
func (b *Book) BestBidPrice() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAskPrice returns the best (lowest) ask price and whether one exists.
func (b *Book) BestAskPrice() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// WalkAsks visits resting ask entries in match priority order (ascending
// price, then time). fn returns false to stop early. The entry is visited
// by value snapshot of its pointer: callers mutating remaining shares via
// ReduceRemaining mid-walk must restart their own loop, since mutation can
// unlink levels out from under a slice index — the matching engine always
// re-reads BestAskPrice()/WalkAsks after every fill for this reason.
func (b *Book) WalkAsks(fn func(*Entry) bool) {
	b.mu.RLock()
	levels := make([]PriceLevel, len(b.Asks))
	copy(levels, b.Asks)
	for i := range levels {
		levels[i].Orders = append([]*Entry(nil), levels[i].Orders...)
	}
	b.mu.RUnlock()
	for _, lvl := range levels {
		for _, e := range lvl.Orders {
			if !fn(e) {
				return
			}
		}
	}
}

// WalkBids visits resting bid entries in match priority order (descending
// price, then time). See WalkAsks for the snapshot/mutation caveat.
func (b *Book) WalkBids(fn func(*Entry) bool) {
	b.mu.RLock()
	levels := make([]PriceLevel, len(b.Bids))
	copy(levels, b.Bids)
	for i := range levels {
		levels[i].Orders = append([]*Entry(nil), levels[i].Orders...)
	}
	b.mu.RUnlock()
	for _, lvl := range levels {
		for _, e := range lvl.Orders {
			if !fn(e) {
				return
			}
		}
	}
}

// DepthLevel is aggregated, user-anonymous display data for one price.
type DepthLevel struct {
	Price           int   `json:"price"`
	RemainingShares int64 `json:"shares"`
}

// DepthSnapshot is a point-in-time, read-only view of the book suitable for
// broadcast to clients.
type DepthSnapshot struct {
	Bids    []DepthLevel `json:"bids"`
	Asks    []DepthLevel `json:"asks"`
	BestBid int          `json:"bestBid"`
	BestAsk int          `json:"bestAsk"`
}

// Depth returns an aggregated, anonymised snapshot of the book.
func (b *Book) Depth() DepthSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := DepthSnapshot{}
	for _, lvl := range b.Bids {
		var total int64
		for _, e := range lvl.Orders {
			total += e.RemainingShares
		}
		snap.Bids = append(snap.Bids, DepthLevel{Price: lvl.Price, RemainingShares: total})
	}
	for _, lvl := range b.Asks {
		var total int64
		for _, e := range lvl.Orders {
			total += e.RemainingShares
		}
		snap.Asks = append(snap.Asks, DepthLevel{Price: lvl.Price, RemainingShares: total})
	}
	if len(b.Bids) > 0 {
		snap.BestBid = b.Bids[0].Price
	}
	if len(b.Asks) > 0 {
		snap.BestAsk = b.Asks[0].Price
	}
	return snap
}

// AllEntries returns every resting entry, for tests.
func (b *Book) AllEntries() []*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Entry, 0, len(b.byOrder))
	for _, e := range b.byOrder {
		out = append(out, e)
	}
	return out
}

// OrderCount returns the number of resting entries.
func (b *Book) OrderCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byOrder)
}

// --- helpers ---

func addToSide(levels []PriceLevel, e *Entry, descending bool) []PriceLevel {
	for i := range levels {
		if levels[i].Price == e.BookPrice {
			levels[i].Orders = insertSorted(levels[i].Orders, e)
			return levels
		}
	}

	levels = append(levels, PriceLevel{Price: e.BookPrice, Orders: []*Entry{e}})

	if descending {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	} else {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	}
	return levels
}

func insertSorted(orders []*Entry, e *Entry) []*Entry {
	i := sort.Search(len(orders), func(i int) bool { return less(e, orders[i]) })
	orders = append(orders, nil)
	copy(orders[i+1:], orders[i:])
	orders[i] = e
	return orders
}

func removeFromSide(levels []PriceLevel, orderID uint64) []PriceLevel {
	for i := range levels {
		for j := range levels[i].Orders {
			if levels[i].Orders[j].OrderID == orderID {
				levels[i].Orders = append(levels[i].Orders[:j], levels[i].Orders[j+1:]...)
				if len(levels[i].Orders) == 0 {
					levels = append(levels[:i], levels[i+1:]...)
				}
				return levels
			}
		}
	}
	return levels
}
