package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE INTERFACE - the minimal venue surface the bot needs
// ═══════════════════════════════════════════════════════════════════════════════

// OrderAck is the venue's acknowledgment of an accepted order.
type OrderAck struct {
	VenueID      string
	AvgFillPrice float64
}

// Exchange is the venue abstraction. The paper client implements it in
// memory; a live client signs requests against the real API.
type Exchange interface {
	PlaceMarket(ctx context.Context, symbol, side string, qty float64) (OrderAck, error)
	PlaceStop(ctx context.Context, symbol, side string, qty, trigger float64) (OrderAck, error)
	PlaceLimit(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, venueID string) error
	Position(ctx context.Context, symbol string) (*types.VenuePosition, error)
	Balance(ctx context.Context, currency string) (decimal.Decimal, error)
}

// closingSide returns the order side that reduces a position.
func closingSide(posSide string) string {
	if posSide == types.SideLong {
		return "sell"
	}
	return "buy"
}

// openingSide returns the order side that opens a position.
func openingSide(posSide string) string {
	if posSide == types.SideLong {
		return "buy"
	}
	return "sell"
}

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER CLIENT - in-memory venue for dry runs
// ═══════════════════════════════════════════════════════════════════════════════

// PaperExchange simulates fills at a caller-supplied mark price.
type PaperExchange struct {
	mu       sync.Mutex
	seq      int
	balance  decimal.Decimal
	position *types.VenuePosition
	markFn   func() float64
}

// NewPaperExchange builds a paper venue; markFn supplies the current price.
func NewPaperExchange(startBalance decimal.Decimal, markFn func() float64) *PaperExchange {
	return &PaperExchange{balance: startBalance, markFn: markFn}
}

func (p *PaperExchange) nextID() string {
	p.seq++
	return fmt.Sprintf("paper-%06d", p.seq)
}

// PlaceMarket fills immediately at mark and mutates the simulated position.
func (p *PaperExchange) PlaceMarket(_ context.Context, _ string, side string, qty float64) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.markFn()
	if px <= 0 {
		return OrderAck{}, fmt.Errorf("no mark price for paper fill")
	}

	signed := qty
	if side == "sell" {
		signed = -qty
	}
	if p.position == nil || p.position.Contracts == 0 {
		posSide := types.SideLong
		if signed < 0 {
			posSide = types.SideShort
		}
		p.position = &types.VenuePosition{Side: posSide, Contracts: qty, EntryPrice: px}
	} else {
		cur := p.position.Contracts
		if p.position.Side == types.SideShort {
			cur = -cur
		}
		next := cur + signed
		switch {
		case next == 0:
			p.position = nil
		case next > 0:
			p.position = &types.VenuePosition{Side: types.SideLong, Contracts: next, EntryPrice: px}
		default:
			p.position = &types.VenuePosition{Side: types.SideShort, Contracts: -next, EntryPrice: px}
		}
	}
	return OrderAck{VenueID: p.nextID(), AvgFillPrice: px}, nil
}

// PlaceStop records a resting stop; paper stops are enforced by the manager,
// not the venue.
func (p *PaperExchange) PlaceStop(_ context.Context, _, _ string, _, _ float64) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return OrderAck{VenueID: p.nextID()}, nil
}

// PlaceLimit records a resting limit.
func (p *PaperExchange) PlaceLimit(_ context.Context, _, _ string, _, _ float64, _ bool) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return OrderAck{VenueID: p.nextID()}, nil
}

// CancelOrder is a no-op for resting paper orders.
func (p *PaperExchange) CancelOrder(context.Context, string, string) error { return nil }

// Position returns the simulated position, nil when flat.
func (p *PaperExchange) Position(context.Context, string) (*types.VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.position == nil {
		return nil, nil
	}
	cp := *p.position
	return &cp, nil
}

// Balance returns the simulated settlement balance.
func (p *PaperExchange) Balance(context.Context, string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}
