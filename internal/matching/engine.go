package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btc1m/exchange/internal/orderbook"
)

// roundState is the in-memory, round-scoped state the matching engine owns
// exclusively: the resting book and the stop-limit park set. Both are
// created by the round's first InitRound (a repeated call leaves them as
// they are) and discarded by DropRound once the round's settlement has run.
type roundState struct {
	book             *orderbook.Book
	priceToBeatCents int64
	active           bool

	mu    sync.Mutex
	stops map[uint64]*Order
}

// Engine is the central limit order book matching engine, scoped one book
// per round (component F). Matching between ledger calls is CPU-bound and
// non-blocking; the ledger transaction is held open only across the fills
// of one incoming order, never across independent placements (spec §5).
type Engine struct {
	mu     sync.RWMutex
	rounds map[int64]*roundState

	ledger Ledger
	events EventSink

	maxSharesPerOrder int64
	logger            *slog.Logger
}

// NewEngine builds a matching Engine backed by the given ledger and
// event sink.
func NewEngine(ledger Ledger, events EventSink, maxSharesPerOrder int64, logger *slog.Logger) *Engine {
	if events == nil {
		events = noopSink{}
	}
	return &Engine{
		rounds:            make(map[int64]*roundState),
		ledger:            ledger,
		events:            events,
		maxSharesPerOrder: maxSharesPerOrder,
		logger:            logger.With("component", "matching.engine"),
	}
}

// InitRound opens a fresh, empty book for roundStart. Called by the round
// lifecycle controller at the moment a market enters the active phase.
// A roundStart already present is left untouched — the only way that
// happens is Restore having repopulated it from persisted orders ahead of
// the controller's first tick, and round timestamps are never reused.
func (e *Engine) InitRound(roundStart int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rounds[roundStart]; exists {
		return
	}
	e.rounds[roundStart] = &roundState{
		book:  orderbook.NewBook(),
		stops: make(map[uint64]*Order),
	}
}

// ActivateRound marks roundStart as open for placement at the given
// priceToBeat. Matched pairwise with InitRound by the lifecycle controller.
func (e *Engine) ActivateRound(roundStart int64, priceToBeatCents int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.rounds[roundStart]
	if rs == nil {
		rs = &roundState{book: orderbook.NewBook(), stops: make(map[uint64]*Order)}
		e.rounds[roundStart] = rs
	}
	rs.priceToBeatCents = priceToBeatCents
	rs.active = true
}

// DropRound discards a round's in-memory book and stop set. Called by the
// settlement engine once it has cancelled every resting order, so a closed
// round's memory does not accumulate indefinitely.
func (e *Engine) DropRound(roundStart int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rounds, roundStart)
}

// Restore repopulates in-memory round books and parked stop orders from
// persisted {open, partiallyFilled, stopped} orders after a process
// restart (spec §7 recovery policy). Must be called once at startup,
// before the round lifecycle controller begins ticking, since it creates
// round state directly rather than going through InitRound/ActivateRound.
func (e *Engine) Restore(orders []Order) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range orders {
		o := &orders[i]
		rs := e.rounds[o.RoundStart]
		if rs == nil {
			rs = &roundState{book: orderbook.NewBook(), stops: make(map[uint64]*Order), active: true}
			e.rounds[o.RoundStart] = rs
		}
		switch o.Status {
		case StatusStopped:
			rs.mu.Lock()
			rs.stops[o.ID] = o
			rs.mu.Unlock()
		case StatusOpen, StatusPartiallyFilled:
			rs.book.Insert(toEntry(o))
		}
	}
	e.logger.Info("restored in-memory round state", "orders", len(orders), "rounds", len(e.rounds))
}

func (e *Engine) round(roundStart int64) (*roundState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.rounds[roundStart]
	return rs, ok
}

// Book returns the resting order book for a round, for read-only snapshot
// use by the session gateway's get_orderbook. Returns nil if the round is
// unknown.
func (e *Engine) Book(roundStart int64) *orderbook.Book {
	rs, ok := e.round(roundStart)
	if !ok {
		return nil
	}
	return rs.book
}

// Place validates and executes a placement request per spec §4.F. It
// returns the resulting order (its final state after any synchronous
// matching) or an error with no state change.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (Order, error) {
	rs, ok := e.round(req.RoundStart)
	if !ok || !rs.active {
		e.events.OrderRejected(req.UserID, ErrRoundNotActive.Error())
		return Order{}, ErrRoundNotActive
	}
	if req.Shares <= 0 || req.Shares > e.maxSharesPerOrder {
		e.events.OrderRejected(req.UserID, ErrInvalidShares.Error())
		return Order{}, ErrInvalidShares
	}
	if req.OrderType == OrderTypeLimit || req.OrderType == OrderTypeStopLimit {
		if req.Price < 1 || req.Price > 99 {
			e.events.OrderRejected(req.UserID, ErrInvalidPrice.Error())
			return Order{}, ErrInvalidPrice
		}
	}
	if req.OrderType == OrderTypeStopLimit {
		if req.StopPrice < 1 || req.StopPrice > 99 {
			e.events.OrderRejected(req.UserID, ErrInvalidPrice.Error())
			return Order{}, ErrInvalidPrice
		}
		return e.placeStopLimit(ctx, rs, req)
	}

	price := req.Price
	if req.OrderType == OrderTypeMarketFAK || req.OrderType == OrderTypeMarketFOK {
		// Cross the whole book: book price 99 for a bid (buy yes / sell no),
		// 1 for an ask. normalise takes a user-facing price, which for the
		// NO outcome is the complement of the book price.
		bookSide, _, _ := normalise(req.Side, req.Outcome, 1)
		bookExtreme := 1
		if bookSide == orderbook.SideBid {
			bookExtreme = 99
		}
		price = bookExtreme
		if req.Outcome == OutcomeNo {
			price = 100 - bookExtreme
		}
	}
	bookSide, bookPrice, costPerShare := normalise(req.Side, req.Outcome, price)

	if req.OrderType == OrderTypeMarketFOK {
		available := matchableShares(rs.book, bookSide, bookPrice, req.UserID)
		if available < req.Shares {
			reason := fmt.Sprintf("Insufficient liquidity: %d shares available, need %d", available, req.Shares)
			e.events.OrderRejected(req.UserID, reason)
			return Order{}, fmt.Errorf("%w: %s", ErrInsufficientLiquidity, reason)
		}
	}

	now := time.Now()
	o := &Order{
		ID:              orderbook.NextOrderID(),
		UserID:          req.UserID,
		RoundStart:      req.RoundStart,
		UserSide:        req.Side,
		UserOutcome:     req.Outcome,
		BookSide:        bookSide,
		OrderType:       req.OrderType,
		BookPrice:       bookPrice,
		Shares:          req.Shares,
		RemainingShares: req.Shares,
		CostPerShare:    costPerShare,
		Status:          StatusOpen,
		CreatedAtMillis: now.UnixMilli(),
		Seq:             orderbook.NextMatchSeq(),
	}

	reserveCents := sharesCost(req.Shares, costPerShare)

	var trades []Trade
	err := e.ledger.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.DeductBalance(ctx, req.UserID, reserveCents); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		var matchErr error
		trades, matchErr = e.match(ctx, tx, rs, o)
		if matchErr != nil {
			return matchErr
		}
		if req.OrderType == OrderTypeLimit {
			if o.RemainingShares > 0 {
				rs.book.Insert(toEntry(o))
			}
		} else {
			// Market orders never rest: cancel any residual and refund the
			// reserved-but-unused balance.
			if o.RemainingShares > 0 {
				refund := sharesCost(o.RemainingShares, o.CostPerShare)
				if refund > 0 {
					if err := tx.CreditBalance(ctx, req.UserID, refund); err != nil {
						return err
					}
				}
				if o.FilledShares > 0 {
					o.Status = StatusPartiallyFilled
				} else {
					o.Status = StatusCancelled
				}
				o.RemainingShares = 0
				if err := tx.CancelOrderRow(ctx, o.ID, o.Status); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		e.events.OrderRejected(req.UserID, err.Error())
		return Order{}, err
	}

	e.events.OrderAccepted(req.UserID, *o)
	e.pushTrades(req.UserID, trades)
	// Evaluate stops even when this placement produced no fill: a new
	// resting order can itself move the best bid/ask past a parked
	// trigger price.
	e.checkStops(ctx, rs, req.RoundStart)
	return *o, nil
}

// placeStopLimit parks the order unreserved in the stop set; no ledger
// mutation happens until the trigger fires.
func (e *Engine) placeStopLimit(ctx context.Context, rs *roundState, req PlaceRequest) (Order, error) {
	bookSide, bookPrice, costPerShare := normalise(req.Side, req.Outcome, req.Price)
	now := time.Now()
	o := &Order{
		ID:              orderbook.NextOrderID(),
		UserID:          req.UserID,
		RoundStart:      req.RoundStart,
		UserSide:        req.Side,
		UserOutcome:     req.Outcome,
		BookSide:        bookSide,
		OrderType:       OrderTypeStopLimit,
		BookPrice:       bookPrice,
		StopPrice:       req.StopPrice,
		Shares:          req.Shares,
		RemainingShares: req.Shares,
		CostPerShare:    costPerShare,
		Status:          StatusStopped,
		CreatedAtMillis: now.UnixMilli(),
		Seq:             orderbook.NextMatchSeq(),
	}
	err := e.ledger.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		e.events.OrderRejected(req.UserID, err.Error())
		return Order{}, err
	}
	rs.mu.Lock()
	rs.stops[o.ID] = o
	rs.mu.Unlock()

	e.events.OrderAccepted(req.UserID, *o)
	return *o, nil
}

// match crosses incoming against the opposing side in price-time priority,
// with self-trade prevention, until incoming is exhausted or no further
// match is possible. It must be called with the ledger transaction already
// open; it performs no commit/rollback itself.
func (e *Engine) match(ctx context.Context, tx Tx, rs *roundState, incoming *Order) ([]Trade, error) {
	var trades []Trade
	isBid := incoming.BookSide == orderbook.SideBid

	for incoming.RemainingShares > 0 {
		// Walk the opposing side across price levels (not just the best
		// one): self-trade prevention must skip past an entire self-owned
		// level and keep matching at the next acceptable price, per spec
		// §4.F. The walk itself enforces the price bound, so a level worse
		// than incoming.BookPrice stops the search for good.
		var resting *orderbook.Entry
		if isBid {
			rs.book.WalkAsks(func(en *orderbook.Entry) bool {
				if en.BookPrice > incoming.BookPrice {
					return false
				}
				if en.UserID == incoming.UserID {
					return true // self-trade prevention: skip, keep walking
				}
				resting = en
				return false
			})
		} else {
			rs.book.WalkBids(func(en *orderbook.Entry) bool {
				if en.BookPrice < incoming.BookPrice {
					return false
				}
				if en.UserID == incoming.UserID {
					return true
				}
				resting = en
				return false
			})
		}
		if resting == nil {
			// No entry at any acceptable price belongs to someone other
			// than the incoming user; no further match is possible.
			break
		}

		fillQty := incoming.RemainingShares
		if resting.RemainingShares < fillQty {
			fillQty = resting.RemainingShares
		}
		execPrice := resting.BookPrice

		var bidOrderID, askOrderID uint64
		var bidUserID, askUserID string
		if isBid {
			bidOrderID, askOrderID = incoming.ID, resting.OrderID
			bidUserID, askUserID = incoming.UserID, resting.UserID
		} else {
			bidOrderID, askOrderID = resting.OrderID, incoming.ID
			bidUserID, askUserID = resting.UserID, incoming.UserID
		}
		yesUserID, noUserID := yesNoUsers(bidUserID, askUserID)

		trade := Trade{
			ID:         orderbook.NextMatchSeq(),
			RoundStart: incoming.RoundStart,
			BidOrderID: bidOrderID,
			AskOrderID: askOrderID,
			YesUserID:  yesUserID,
			NoUserID:   noUserID,
			ExecPrice:  execPrice,
			Shares:     fillQty,
			CreatedAt:  time.Now(),
		}
		if err := tx.InsertTrade(ctx, &trade); err != nil {
			return nil, err
		}
		if err := tx.UpsertPosition(ctx, incoming.RoundStart, yesUserID, fillQty, 0); err != nil {
			return nil, err
		}
		if err := tx.UpsertPosition(ctx, incoming.RoundStart, noUserID, 0, fillQty); err != nil {
			return nil, err
		}

		incoming.FilledShares += fillQty
		incoming.RemainingShares -= fillQty
		if incoming.RemainingShares == 0 {
			incoming.Status = StatusFilled
		} else {
			incoming.Status = StatusPartiallyFilled
		}

		restingRemaining, removed := rs.book.ReduceRemaining(resting.OrderID, fillQty)
		restingStatus := StatusPartiallyFilled
		if removed {
			restingStatus = StatusFilled
		}
		if err := tx.UpdateOrderFill(ctx, resting.OrderID, restingRemaining, restingStatus); err != nil {
			return nil, err
		}

		// Maker price-improvement refund for the taker only: the maker
		// reserved exactly its own bookPrice-derived cost, so execPrice
		// equalling its own price means it never overpaid.
		takerActualCost := execPrice
		if !isBid {
			takerActualCost = 100 - execPrice
		}
		if incoming.CostPerShare > takerActualCost {
			refund := int64(incoming.CostPerShare-takerActualCost) * fillQty
			if refund > 0 {
				if err := tx.CreditBalance(ctx, incoming.UserID, refund); err != nil {
					return nil, err
				}
			}
		}

		trades = append(trades, trade)
	}

	if err := tx.UpdateOrderFill(ctx, incoming.ID, incoming.RemainingShares, incoming.Status); err != nil {
		return nil, err
	}
	return trades, nil
}

// matchableShares walks the opposing side of the book (skipping the
// requester's own resting entries, per STP) counting total shares
// available at prices acceptable to a market order at bookPrice extreme
// (used only for FOK's pre-commit liquidity check).
func matchableShares(book *orderbook.Book, incomingSide orderbook.Side, incomingPrice int, userID string) int64 {
	var total int64
	if incomingSide == orderbook.SideBid {
		book.WalkAsks(func(e *orderbook.Entry) bool {
			if e.BookPrice > incomingPrice {
				return false
			}
			if e.UserID != userID {
				total += e.RemainingShares
			}
			return true
		})
	} else {
		book.WalkBids(func(e *orderbook.Entry) bool {
			if e.BookPrice < incomingPrice {
				return false
			}
			if e.UserID != userID {
				total += e.RemainingShares
			}
			return true
		})
	}
	return total
}

// checkStops evaluates the stop-trigger rule against current top-of-book
// after any fill that could have moved it, cascading through a finite set
// since each stop in the round can trigger at most once.
func (e *Engine) checkStops(ctx context.Context, rs *roundState, roundStart int64) {
	for {
		bestBid, hasBid := rs.book.BestBidPrice()
		bestAsk, hasAsk := rs.book.BestAskPrice()

		rs.mu.Lock()
		var triggered *Order
		for id, o := range rs.stops {
			if o.BookSide == orderbook.SideBid && hasAsk && bestAsk <= o.StopPrice {
				triggered = o
				delete(rs.stops, id)
				break
			}
			if o.BookSide == orderbook.SideAsk && hasBid && bestBid >= o.StopPrice {
				triggered = o
				delete(rs.stops, id)
				break
			}
		}
		rs.mu.Unlock()

		if triggered == nil {
			return
		}
		e.activateStop(ctx, rs, triggered)
	}
}

// activateStop transitions a triggered stop-limit into a fresh limit order:
// deduct balance, then match-then-rest exactly like a newly placed limit
// order. A failed deduction cancels the order with the spec's exact reason.
func (e *Engine) activateStop(ctx context.Context, rs *roundState, o *Order) {
	reserveCents := sharesCost(o.RemainingShares, o.CostPerShare)

	var trades []Trade
	err := e.ledger.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.DeductBalance(ctx, o.UserID, reserveCents); err != nil {
			return err
		}
		o.Status = StatusOpen
		if err := tx.UpdateOrderFill(ctx, o.ID, o.RemainingShares, o.Status); err != nil {
			return err
		}
		var matchErr error
		trades, matchErr = e.match(ctx, tx, rs, o)
		if matchErr != nil {
			return matchErr
		}
		if o.RemainingShares > 0 {
			rs.book.Insert(toEntry(o))
		}
		return nil
	})
	if err != nil {
		e.events.OrderCancelled(o.UserID, o.ID, 0, "Insufficient balance at trigger")
		_ = e.ledger.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.CancelOrderRow(ctx, o.ID, StatusCancelled)
		})
		return
	}

	e.events.OrderUpdate(o.UserID, *o)
	e.pushTrades(o.UserID, trades)
	e.checkStops(ctx, rs, o.RoundStart)
}

// Cancel removes a resting limit or parked stop-limit order, refunding the
// balance reserved for its remaining shares (a parked stop reserved nothing
// and is refunded nothing). Market orders are never cancellable since they
// execute synchronously within Place.
func (e *Engine) Cancel(ctx context.Context, userID string, roundStart int64, orderID uint64) (refundCents int64, err error) {
	rs, ok := e.round(roundStart)
	if !ok {
		return 0, ErrRoundUnknown
	}

	rs.mu.Lock()
	if stop, found := rs.stops[orderID]; found {
		if stop.UserID != userID {
			rs.mu.Unlock()
			return 0, ErrNotOwner
		}
		delete(rs.stops, orderID)
		rs.mu.Unlock()

		if err := e.ledger.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.CancelOrderRow(ctx, orderID, StatusCancelled)
		}); err != nil {
			return 0, err
		}
		e.events.OrderCancelled(userID, orderID, 0, "")
		return 0, nil
	}
	rs.mu.Unlock()

	entry := rs.book.Get(orderID)
	if entry == nil {
		return 0, ErrOrderNotFound
	}
	if entry.UserID != userID {
		return 0, ErrNotOwner
	}
	refund := sharesCost(entry.RemainingShares, entry.CostPerShare)

	rs.book.Remove(orderID)
	if err := e.ledger.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if refund > 0 {
			if err := tx.CreditBalance(ctx, userID, refund); err != nil {
				return err
			}
		}
		return tx.CancelOrderRow(ctx, orderID, StatusCancelled)
	}); err != nil {
		return 0, err
	}

	e.events.OrderCancelled(userID, orderID, refund, "")
	return refund, nil
}

// pushTrades notifies both counterparties of every fill — the taker (the
// placer, per spec's "push order_accepted and each trade to the placer")
// and the resting maker alike. Self-trade prevention guarantees the two
// user IDs always differ, so each side gets exactly one push per trade.
func (e *Engine) pushTrades(takerUserID string, trades []Trade) {
	for _, t := range trades {
		e.events.Trade(t.YesUserID, t)
		e.events.Trade(t.NoUserID, t)
	}
}

// sharesCost converts a share count and a per-share cent price into the
// integer cents reserved/refunded — shares * costPerShare / 100 dollars
// expressed directly in cents.
func sharesCost(shares int64, costPerShare int) int64 {
	return (shares * int64(costPerShare))
}

func toEntry(o *Order) *orderbook.Entry {
	return &orderbook.Entry{
		OrderID:         o.ID,
		UserID:          o.UserID,
		BookSide:        o.BookSide,
		BookPrice:       o.BookPrice,
		RemainingShares: o.RemainingShares,
		CostPerShare:    o.CostPerShare,
		CreatedAtMillis: o.CreatedAtMillis,
		Seq:             o.Seq,
	}
}
