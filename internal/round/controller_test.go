package round

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/btc1m/exchange/internal/pricefeed"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePriceSource struct{ price pricefeed.AggregatedPrice }

func (f *fakePriceSource) Current() pricefeed.AggregatedPrice { return f.price }

type fakeMatching struct {
	initCalls     []int64
	activateCalls map[int64]int64
}

func newFakeMatching() *fakeMatching {
	return &fakeMatching{activateCalls: make(map[int64]int64)}
}
func (f *fakeMatching) InitRound(roundStart int64) { f.initCalls = append(f.initCalls, roundStart) }
func (f *fakeMatching) ActivateRound(roundStart int64, priceToBeat int64) {
	f.activateCalls[roundStart] = priceToBeat
}

type fakeSettlement struct {
	closed []int64
}

func (f *fakeSettlement) SettleRound(ctx context.Context, roundStart int64, finalPrice int64, outcome Outcome) error {
	f.closed = append(f.closed, roundStart)
	return nil
}

type fakeStore struct {
	priceToBeat map[int64]int64
	outcomes    map[int64]Outcome
}

func newFakeStore() *fakeStore {
	return &fakeStore{priceToBeat: make(map[int64]int64), outcomes: make(map[int64]Outcome)}
}
func (f *fakeStore) SavePriceToBeat(ctx context.Context, roundStart int64, p int64) error {
	f.priceToBeat[roundStart] = p
	return nil
}
func (f *fakeStore) SaveMarketOutcome(ctx context.Context, roundStart int64, slug string, finalPrice int64, outcome Outcome) error {
	f.outcomes[roundStart] = outcome
	return nil
}

type fakeEvents struct {
	phaseChanges []Market
	lists        [][]Market
	resets       []int64
}

func (f *fakeEvents) MarketPhaseChange(m Market) { f.phaseChanges = append(f.phaseChanges, m) }
func (f *fakeEvents) MarketList(ms []Market)     { f.lists = append(f.lists, ms) }
func (f *fakeEvents) OrderBookReset(roundStart int64) {
	f.resets = append(f.resets, roundStart)
}

func newTestController(price *fakePriceSource, matching *fakeMatching, settlement *fakeSettlement, store *fakeStore, events *fakeEvents) *Controller {
	return NewController(price, matching, settlement, store, events, 5*time.Minute, 10*time.Minute, testLogger())
}

func TestSlugFormat(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	got := Slug(ts.UnixMilli())
	want := "btc-20260731-1405"
	if got != want {
		t.Fatalf("Slug = %q, want %q", got, want)
	}
}

func TestInitSeedsCurrentPlusFiveFutureMarkets(t *testing.T) {
	c := newTestController(&fakePriceSource{}, newFakeMatching(), &fakeSettlement{}, newFakeStore(), &fakeEvents{})
	now := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	c.Init(now)

	list := c.MarketList()
	if len(list) != 6 {
		t.Fatalf("len(MarketList()) = %d, want 6 (current + 5 future)", len(list))
	}
	if list[0].Phase != PhaseProvision {
		t.Fatalf("current market phase = %s, want provision before first tick", list[0].Phase)
	}
}

func TestTickActivatesProvisionMarketOncePriceExists(t *testing.T) {
	priceSrc := &fakePriceSource{}
	matching := newFakeMatching()
	store := newFakeStore()
	events := &fakeEvents{}
	c := newTestController(priceSrc, matching, &fakeSettlement{}, store, events)

	now := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	c.Init(now)

	priceSrc.price = pricefeed.AggregatedPrice{Valid: true, PriceCents: 6_500_000, ContributingSources: 2}
	c.tick(context.Background(), now)

	mkt, ok := c.Market(Slug(MinuteStart(now)))
	if !ok {
		t.Fatal("expected current market to be findable by slug")
	}
	if mkt.Phase != PhaseActive {
		t.Fatalf("phase = %s, want active", mkt.Phase)
	}
	if mkt.PriceToBeat == nil || *mkt.PriceToBeat != 6_500_000 {
		t.Fatalf("priceToBeat = %v, want 6500000", mkt.PriceToBeat)
	}
	if store.priceToBeat[MinuteStart(now)] != 6_500_000 {
		t.Fatal("expected priceToBeat persisted to store")
	}
	if len(matching.initCalls) != 1 || matching.activateCalls[MinuteStart(now)] != 6_500_000 {
		t.Fatal("expected matching engine notified of activation")
	}
}

func TestTickDoesNothingWithoutValidPrice(t *testing.T) {
	priceSrc := &fakePriceSource{price: pricefeed.AggregatedPrice{Valid: false}}
	matching := newFakeMatching()
	c := newTestController(priceSrc, matching, &fakeSettlement{}, newFakeStore(), &fakeEvents{})

	now := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	c.Init(now)
	c.tick(context.Background(), now)

	mkt, _ := c.Market(Slug(MinuteStart(now)))
	if mkt.Phase != PhaseProvision {
		t.Fatalf("phase = %s, want still provision with no valid price", mkt.Phase)
	}
	if len(matching.initCalls) != 0 {
		t.Fatal("matching engine should not be notified without a valid price")
	}
}

func TestBoundaryCrossSettlesAndActivates(t *testing.T) {
	priceSrc := &fakePriceSource{}
	matching := newFakeMatching()
	settlement := &fakeSettlement{}
	store := newFakeStore()
	events := &fakeEvents{}
	c := newTestController(priceSrc, matching, settlement, store, events)

	t0 := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	c.Init(t0)

	priceSrc.price = pricefeed.AggregatedPrice{Valid: true, PriceCents: 1000, ContributingSources: 1}
	c.tick(context.Background(), t0) // activates minute 14:05

	t1 := t0.Add(time.Minute)
	priceSrc.price = pricefeed.AggregatedPrice{Valid: true, PriceCents: 1200, ContributingSources: 1} // up
	c.tick(context.Background(), t1)

	closedStart := MinuteStart(t0)
	if len(settlement.closed) != 1 || settlement.closed[0] != closedStart {
		t.Fatalf("expected settlement called for round %d, got %v", closedStart, settlement.closed)
	}
	if store.outcomes[closedStart] != OutcomeUp {
		t.Fatalf("outcome = %s, want up (1200 >= 1000)", store.outcomes[closedStart])
	}

	nextStart := MinuteStart(t1)
	nextMkt, ok := c.Market(Slug(nextStart))
	if !ok || nextMkt.Phase != PhaseActive {
		t.Fatalf("expected next round active, got %+v ok=%v", nextMkt, ok)
	}
	if nextMkt.PriceToBeat == nil || *nextMkt.PriceToBeat != 1200 {
		t.Fatalf("next round priceToBeat = %v, want 1200 (continuity from previous close)", nextMkt.PriceToBeat)
	}

	if c.CurrentRoundStart() != nextStart {
		t.Fatalf("CurrentRoundStart() = %d, want %d", c.CurrentRoundStart(), nextStart)
	}
}

func TestBoundaryCrossDownOutcome(t *testing.T) {
	priceSrc := &fakePriceSource{}
	store := newFakeStore()
	c := newTestController(priceSrc, newFakeMatching(), &fakeSettlement{}, store, &fakeEvents{})

	t0 := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	c.Init(t0)
	priceSrc.price = pricefeed.AggregatedPrice{Valid: true, PriceCents: 1000, ContributingSources: 1}
	c.tick(context.Background(), t0)

	t1 := t0.Add(time.Minute)
	priceSrc.price = pricefeed.AggregatedPrice{Valid: true, PriceCents: 999, ContributingSources: 1}
	c.tick(context.Background(), t1)

	if store.outcomes[MinuteStart(t0)] != OutcomeDown {
		t.Fatalf("outcome = %s, want down", store.outcomes[MinuteStart(t0)])
	}
}

func TestReentrancyGuardSkipsOverlappingTick(t *testing.T) {
	c := newTestController(&fakePriceSource{}, newFakeMatching(), &fakeSettlement{}, newFakeStore(), &fakeEvents{})
	c.ticking.Store(true) // simulate a tick already in flight
	now := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	c.Init(now)
	c.tick(context.Background(), now) // must no-op, not deadlock or panic

	mkt, _ := c.Market(Slug(MinuteStart(now)))
	if mkt.Phase != PhaseProvision {
		t.Fatal("overlapping tick should have been a no-op")
	}
}
