package matching

import (
	"context"
	"log/slog"
	"io"
	"testing"
)

// fakeLedger is an in-memory stand-in for the Mongo-backed ledger, enough to
// exercise the matching engine's balance/position bookkeeping without a
// database. One transaction == one synchronous call of fn against the
// shared maps; there is nothing to roll back across fakeLedger calls since
// the engine never lets match() return an error in these tests.
type fakeLedger struct {
	balances  map[string]int64
	positions map[string]map[string][2]int64 // roundKey -> userID -> [yes, no]
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:  make(map[string]int64),
		positions: make(map[string]map[string][2]int64),
	}
}

func (f *fakeLedger) credit(userID string, cents int64) {
	f.balances[userID] += cents
}

func (f *fakeLedger) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, &fakeTx{f})
}

type fakeTx struct{ f *fakeLedger }

func (t *fakeTx) DeductBalance(ctx context.Context, userID string, cents int64) error {
	if t.f.balances[userID] < cents {
		return ErrInsufficientBalance
	}
	t.f.balances[userID] -= cents
	return nil
}

func (t *fakeTx) CreditBalance(ctx context.Context, userID string, cents int64) error {
	t.f.balances[userID] += cents
	return nil
}

func (t *fakeTx) InsertOrder(ctx context.Context, o *Order) error { return nil }

func (t *fakeTx) UpdateOrderFill(ctx context.Context, orderID uint64, remainingShares int64, status Status) error {
	return nil
}

func (t *fakeTx) CancelOrderRow(ctx context.Context, orderID uint64, status Status) error {
	return nil
}

func (t *fakeTx) InsertTrade(ctx context.Context, tr *Trade) error { return nil }

func (t *fakeTx) UpsertPosition(ctx context.Context, roundStart int64, userID string, deltaYes, deltaNo int64) error {
	key := posKey(roundStart)
	if t.f.positions[key] == nil {
		t.f.positions[key] = make(map[string][2]int64)
	}
	p := t.f.positions[key][userID]
	p[0] += deltaYes
	p[1] += deltaNo
	t.f.positions[key][userID] = p
	return nil
}

func posKey(roundStart int64) string {
	return "round"
}

type recordingSink struct {
	trades    []Trade
	rejected  []string
	cancelled []string
}

func (r *recordingSink) OrderAccepted(string, Order)  {}
func (r *recordingSink) OrderUpdate(string, Order)    {}
func (r *recordingSink) OrderRejected(_ string, reason string) {
	r.rejected = append(r.rejected, reason)
}
func (r *recordingSink) OrderCancelled(_ string, _ uint64, _ int64, reason string) {
	r.cancelled = append(r.cancelled, reason)
}
// Trade is pushed once to each counterparty; record it once, on the YES push.
func (r *recordingSink) Trade(userID string, t Trade) {
	if userID == t.YesUserID {
		r.trades = append(r.trades, t)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testRound = int64(1700000000000)

func newTestEngine(t *testing.T) (*Engine, *fakeLedger, *recordingSink) {
	t.Helper()
	ledger := newFakeLedger()
	sink := &recordingSink{}
	eng := NewEngine(ledger, sink, 1_000_000, testLogger())
	eng.InitRound(testRound)
	eng.ActivateRound(testRound, 10000000)
	return eng, ledger, sink
}

func TestLimitCrossesAndImproves(t *testing.T) {
	eng, ledger, sink := newTestEngine(t)
	ledger.credit("u1", 500)
	ledger.credit("u2", 400)

	if _, err := eng.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: testRound, Side: SideBuy, Outcome: OutcomeYes,
		OrderType: OrderTypeLimit, Price: 50, Shares: 10,
	}); err != nil {
		t.Fatalf("u1 place: %v", err)
	}
	if ledger.balances["u1"] != 0 {
		t.Fatalf("u1 balance after resting buy = %d, want 0", ledger.balances["u1"])
	}

	o2, err := eng.Place(context.Background(), PlaceRequest{
		UserID: "u2", RoundStart: testRound, Side: SideSell, Outcome: OutcomeYes,
		OrderType: OrderTypeLimit, Price: 40, Shares: 6,
	})
	if err != nil {
		t.Fatalf("u2 place: %v", err)
	}
	if len(sink.trades) != 1 {
		t.Fatalf("want 1 trade, got %d", len(sink.trades))
	}
	tr := sink.trades[0]
	if tr.ExecPrice != 50 {
		t.Errorf("execPrice = %d, want 50 (maker price)", tr.ExecPrice)
	}
	if tr.Shares != 6 {
		t.Errorf("shares = %d, want 6", tr.Shares)
	}
	// u2 reserved (100-40)*6 = 360 cents, actual cost (100-50)*6 = 300 cents,
	// refund 60 cents.
	if ledger.balances["u2"] != 400-360+60 {
		t.Errorf("u2 balance = %d, want %d", ledger.balances["u2"], 400-360+60)
	}
	if o2.FilledShares != 6 || o2.RemainingShares != 0 {
		t.Errorf("u2 order = %+v, want fully filled", o2)
	}

	pos := ledger.positions["round"]
	if pos["u1"][0] != 6 {
		t.Errorf("u1 yesShares = %d, want 6", pos["u1"][0])
	}
	if pos["u2"][1] != 6 {
		t.Errorf("u2 noShares = %d, want 6", pos["u2"][1])
	}

	book := eng.Book(testRound)
	if _, ok := book.BestBidPrice(); !ok {
		t.Fatal("expected remaining resting bid at 50")
	}
	entries := book.AllEntries()
	if len(entries) != 1 || entries[0].RemainingShares != 4 {
		t.Errorf("remaining book = %+v, want one entry with 4 shares left", entries)
	}
}

func TestMarketFOKInsufficientLiquidity(t *testing.T) {
	eng, ledger, sink := newTestEngine(t)
	ledger.credit("maker1", 1000)
	ledger.credit("maker2", 1000)
	ledger.credit("taker", 10000)

	mustPlace(t, eng, PlaceRequest{UserID: "maker1", RoundStart: testRound, Side: SideSell, Outcome: OutcomeYes, OrderType: OrderTypeLimit, Price: 60, Shares: 10})
	mustPlace(t, eng, PlaceRequest{UserID: "maker2", RoundStart: testRound, Side: SideSell, Outcome: OutcomeYes, OrderType: OrderTypeLimit, Price: 61, Shares: 5})

	before := ledger.balances["taker"]
	_, err := eng.Place(context.Background(), PlaceRequest{
		UserID: "taker", RoundStart: testRound, Side: SideBuy, Outcome: OutcomeYes,
		OrderType: OrderTypeMarketFOK, Price: 61, Shares: 20,
	})
	if err == nil {
		t.Fatal("expected FOK rejection")
	}
	if ledger.balances["taker"] != before {
		t.Errorf("FOK rejection must not touch balance: before=%d after=%d", before, ledger.balances["taker"])
	}
	if len(sink.trades) != 0 {
		t.Errorf("FOK rejection must produce no trades, got %d", len(sink.trades))
	}
	if len(sink.rejected) != 1 {
		t.Fatalf("want 1 rejection event, got %d", len(sink.rejected))
	}
}

func TestSelfTradePrevention(t *testing.T) {
	eng, ledger, sink := newTestEngine(t)
	ledger.credit("u1", 1000)

	mustPlace(t, eng, PlaceRequest{UserID: "u1", RoundStart: testRound, Side: SideSell, Outcome: OutcomeYes, OrderType: OrderTypeLimit, Price: 40, Shares: 5})

	before := ledger.balances["u1"]
	o, err := eng.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: testRound, Side: SideBuy, Outcome: OutcomeYes,
		OrderType: OrderTypeMarketFAK, Price: 0, Shares: 5,
	})
	if err != nil {
		t.Fatalf("FAK place: %v", err)
	}
	if len(sink.trades) != 0 {
		t.Errorf("self-trade must not execute, got %d trades", len(sink.trades))
	}
	if o.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled (residual, no other asks)", o.Status)
	}
	if ledger.balances["u1"] != before {
		t.Errorf("FAK residual must be fully refunded: before=%d after=%d", before, ledger.balances["u1"])
	}

	book := eng.Book(testRound)
	entries := book.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("resting ask must be untouched, got %d entries", len(entries))
	}
}

func TestSelfTradeSkipsToNextPriceLevel(t *testing.T) {
	eng, ledger, sink := newTestEngine(t)
	ledger.credit("u1", 1000)
	ledger.credit("u2", 1000)

	// u1 rests the best ask; u2 rests a worse one. u1's own FAK buy must
	// skip its own resting ask and still cross u2's, rather than stopping
	// at the first (self-owned) price level.
	mustPlace(t, eng, PlaceRequest{UserID: "u1", RoundStart: testRound, Side: SideSell, Outcome: OutcomeYes, OrderType: OrderTypeLimit, Price: 40, Shares: 5})
	mustPlace(t, eng, PlaceRequest{UserID: "u2", RoundStart: testRound, Side: SideSell, Outcome: OutcomeYes, OrderType: OrderTypeLimit, Price: 45, Shares: 5})

	o, err := eng.Place(context.Background(), PlaceRequest{
		UserID: "u1", RoundStart: testRound, Side: SideBuy, Outcome: OutcomeYes,
		OrderType: OrderTypeMarketFOK, Price: 0, Shares: 5,
	})
	if err != nil {
		t.Fatalf("FOK place: %v", err)
	}
	if len(sink.trades) != 1 {
		t.Fatalf("want 1 trade against u2's resting ask, got %d", len(sink.trades))
	}
	if o.Status != StatusFilled {
		t.Errorf("status = %s, want filled", o.Status)
	}

	book := eng.Book(testRound)
	entries := book.AllEntries()
	if len(entries) != 1 || entries[0].UserID != "u1" {
		t.Fatalf("u1's own resting ask at 40 must remain untouched, got %+v", entries)
	}
}

func TestStopLimitTrigger(t *testing.T) {
	eng, ledger, sink := newTestEngine(t)
	ledger.credit("stopper", 1000)
	ledger.credit("lifter", 1000)
	ledger.credit("buyer", 1000)

	stopOrder, err := eng.Place(context.Background(), PlaceRequest{
		UserID: "stopper", RoundStart: testRound, Side: SideSell, Outcome: OutcomeYes,
		OrderType: OrderTypeStopLimit, Price: 25, StopPrice: 30, Shares: 10,
	})
	if err != nil {
		t.Fatalf("stop place: %v", err)
	}
	if stopOrder.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", stopOrder.Status)
	}
	if ledger.balances["stopper"] != 1000 {
		t.Errorf("stop-limit must reserve nothing at park time, balance=%d", ledger.balances["stopper"])
	}

	// A resting bid below the stop price doesn't trigger it; a bid that
	// lifts best bid to exactly the stop price does.
	mustPlace(t, eng, PlaceRequest{UserID: "buyer", RoundStart: testRound, Side: SideBuy, Outcome: OutcomeYes, OrderType: OrderTypeLimit, Price: 20, Shares: 3})
	mustPlace(t, eng, PlaceRequest{UserID: "lifter", RoundStart: testRound, Side: SideBuy, Outcome: OutcomeYes, OrderType: OrderTypeLimit, Price: 30, Shares: 10})

	// Triggering deducts (100-25)*10 = 750 cents, then matches against the
	// lifter's bid at 30 (maker price = 30).
	if len(sink.trades) != 1 {
		t.Fatalf("want 1 trade after trigger, got %d", len(sink.trades))
	}
	tr := sink.trades[0]
	if tr.ExecPrice != 30 {
		t.Errorf("execPrice = %d, want 30", tr.ExecPrice)
	}
	if tr.Shares != 10 {
		t.Errorf("shares = %d, want 10", tr.Shares)
	}
}

func mustPlace(t *testing.T, eng *Engine, req PlaceRequest) Order {
	t.Helper()
	o, err := eng.Place(context.Background(), req)
	if err != nil {
		t.Fatalf("place %+v: %v", req, err)
	}
	return o
}
