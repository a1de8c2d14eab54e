// Package models defines the core domain entities for the whale-watch engine.
// These models represent raw market trades, whale events, and the analysis
// candidates fed to the AI scheduler. All persisted or alerted entities include
// built-in validation to ensure data integrity throughout the application.
//
// Terminology (matching Polymarket's own naming):
//   - Event: a Polymarket event page, which groups one or more related markets.
//   - Market: a single yes/no question within an event.
//   - Trade: one fill reported by the data API for a market.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Trade is a single raw trade record as observed from the market data source.
type Trade struct {
	ID        string  `json:"id"`        // matchId (preferred) or trade id from the data API
	MarketID  string  `json:"market_id"` // market the trade executed in
	Side      string  `json:"side"`      // "BUY" or "SELL"
	Price     float64 `json:"price"`     // fill price (0–1, probability space)
	Size      float64 `json:"size"`      // number of shares
	Timestamp int64   `json:"timestamp"` // unix seconds
}

// Value returns the notional value of the trade in USD.
func (t *Trade) Value() float64 {
	return t.Price * t.Size
}

// Key returns the identifier used for deduplication. Trades without a stable
// upstream ID fall back to a composite of market, timestamp and size; two
// trades differing in any component are treated as distinct.
func (t *Trade) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return fmt.Sprintf("%s-%d-%g", t.MarketID, t.Timestamp, t.Size)
}

// MarketTrade couples a raw trade with the event context it was observed in,
// so alerting does not need a second lookup against the events API.
type MarketTrade struct {
	Trade
	EventTitle     string `json:"event_title"`
	EventSlug      string `json:"event_slug"`
	MarketQuestion string `json:"market_question"`
	Category       string `json:"category"`
}

// WhaleEvent is a single trade whose notional value exceeded the configured
// whale threshold. Immutable once observed; its TradeKey enters the seen
// registry after the alert is committed.
type WhaleEvent struct {
	TradeKey       string    `json:"trade_key"`
	EventTitle     string    `json:"event_title"`
	EventSlug      string    `json:"event_slug"`
	MarketQuestion string    `json:"market_question"`
	Side           string    `json:"side"` // "BUY" or "SELL"
	Category       string    `json:"category"`
	Notional       float64   `json:"notional"`
	Price          float64   `json:"price"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Validate checks that all whale event fields are valid.
func (w *WhaleEvent) Validate() error {
	if w.TradeKey == "" {
		return errors.New("trade key must not be empty")
	}
	if w.EventTitle == "" {
		return errors.New("event title must not be empty")
	}
	if w.Side != "BUY" && w.Side != "SELL" {
		return fmt.Errorf("side must be BUY or SELL, got %q", w.Side)
	}
	if w.Notional <= 0 {
		return errors.New("notional must be positive")
	}
	if w.Price < 0.0 || w.Price > 1.0 {
		return errors.New("price must be between 0.0 and 1.0")
	}
	if w.ObservedAt.IsZero() {
		return errors.New("observed at must be set")
	}
	return nil
}
