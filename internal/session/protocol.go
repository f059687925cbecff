package session

import (
	"encoding/json"

	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/orderbook"
	"github.com/btc1m/exchange/internal/round"
)

// inboundEnvelope is the JSON type-discriminant shared by every inbound
// message (spec §6.3); fields not relevant to a given type are left zero.
type inboundEnvelope struct {
	Type string `json:"type"`

	// auth
	Token    string `json:"token"`
	UserID   string `json:"userID"`
	AuthDate int64  `json:"authDate"`

	// place_order
	OrderType string `json:"orderType"`
	Side      string `json:"side"`
	Outcome   string `json:"outcome"`
	Shares    int64  `json:"shares"`
	Price     int    `json:"price"`
	StopPrice int    `json:"stopPrice"`

	// cancel_order / get_order
	OrderID uint64 `json:"orderID"`

	// get_orderbook / get_market / place_order / add_liquidity
	Slug string `json:"slug"`

	// get_my_orders
	Status string `json:"status"`

	// add_liquidity
	Amount int64 `json:"amount"`
}

// outbound wraps any payload with its type discriminant.
func outbound(msgType string, payload any) []byte {
	env := map[string]any{"type": msgType}
	b, err := json.Marshal(payload)
	if err == nil {
		var fields map[string]any
		if json.Unmarshal(b, &fields) == nil {
			for k, v := range fields {
				env[k] = v
			}
		}
	}
	data, _ := json.Marshal(env)
	return data
}

type priceMsg struct {
	PriceCents int64 `json:"priceCents"`
	Millis     int64 `json:"timestampMillis"`
}

type priceToBeatMsg struct {
	Slug             string `json:"slug"`
	PriceToBeatCents int64  `json:"priceToBeatCents"`
}

type marketView struct {
	Slug        string `json:"slug"`
	Phase       string `json:"phase"`
	PriceToBeat *int64 `json:"priceToBeatCents,omitempty"`
	FinalPrice  *int64 `json:"finalPriceCents,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

func toMarketView(m round.Market) marketView {
	v := marketView{
		Slug:        m.Slug,
		Phase:       string(m.Phase),
		PriceToBeat: m.PriceToBeat,
		FinalPrice:  m.FinalPrice,
	}
	if m.Phase == round.PhaseClosed {
		v.Outcome = string(m.Outcome)
	}
	return v
}

type marketListMsg struct {
	Markets []marketView `json:"markets"`
}

type marketPhaseChangeMsg struct {
	Market marketView `json:"market"`
}

type orderBookMsg struct {
	Slug string                  `json:"slug"`
	Book orderbook.DepthSnapshot `json:"book"`
}

type orderView struct {
	ID              uint64 `json:"orderID"`
	RoundStart      int64  `json:"roundStart"`
	Side            string `json:"side"`
	Outcome         string `json:"outcome"`
	OrderType       string `json:"orderType"`
	Price           int    `json:"price,omitempty"`
	StopPrice       int    `json:"stopPrice,omitempty"`
	Shares          int64  `json:"shares"`
	FilledShares    int64  `json:"filledShares"`
	RemainingShares int64  `json:"remainingShares"`
	Status          string `json:"status"`
	CreatedAtMillis int64  `json:"createdAtMillis"`
}

func toOrderView(o matching.Order) orderView {
	return orderView{
		ID: o.ID, RoundStart: o.RoundStart, Side: string(o.UserSide), Outcome: string(o.UserOutcome),
		OrderType: string(o.OrderType), Price: o.BookPrice, StopPrice: o.StopPrice,
		Shares: o.Shares, FilledShares: o.FilledShares, RemainingShares: o.RemainingShares,
		Status: string(o.Status), CreatedAtMillis: o.CreatedAtMillis,
	}
}

type orderAcceptedMsg struct {
	Order orderView `json:"order"`
}

type orderUpdateMsg struct {
	Order orderView `json:"order"`
}

type orderRejectedMsg struct {
	Error string `json:"error"`
}

type orderCancelledMsg struct {
	OrderID     uint64 `json:"orderID"`
	RefundCents int64  `json:"refund"`
	Reason      string `json:"reason,omitempty"`
}

type tradeMsg struct {
	ID         uint64 `json:"tradeID"`
	RoundStart int64  `json:"roundStart"`
	ExecPrice  int    `json:"execPrice"`
	Shares     int64  `json:"shares"`
}

func toTradeMsg(t matching.Trade) tradeMsg {
	return tradeMsg{ID: t.ID, RoundStart: t.RoundStart, ExecPrice: t.ExecPrice, Shares: t.Shares}
}

type myOrdersMsg struct {
	Orders []orderView `json:"orders"`
}

type orderDetailMsg struct {
	Order  orderView       `json:"order"`
	Trades []matching.Trade `json:"trades"`
}

type liquidityAddedMsg struct {
	Slug        string `json:"slug"`
	AmountCents int64  `json:"amountCents"`
}

type settlementMsg struct {
	Slug        string `json:"slug"`
	PayoutCents int64  `json:"payoutCents"`
	RefundCents int64  `json:"refundCents"`
}

type balanceUpdateMsg struct {
	BalanceCents int64 `json:"balanceCents"`
}

type authSuccessMsg struct {
	UserID       string `json:"userID"`
	Token        string `json:"token"`
	BalanceCents int64  `json:"balanceCents"`
}

type authErrorMsg struct {
	Error string `json:"error"`
}

type statusMsg struct {
	ConnectedClients int   `json:"connectedClients"`
	CurrentPriceCents int64 `json:"currentPriceCents"`
}
