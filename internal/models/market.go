package models

import (
	"errors"
	"time"
)

// Market is a single yes/no question within a Polymarket event.
type Market struct {
	ID       string `json:"id"`
	Question string `json:"question"`
}

// Event is a Polymarket event page grouping one or more markets, annotated
// with the topic category inferred from its tags.
type Event struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Slug     string    `json:"slug"`
	Category string    `json:"category"`
	EndDate  time.Time `json:"end_date"`
	Markets  []Market  `json:"markets"`
}

// Activity summarizes recent trading in a single market. Produced by reducing
// the trade tape; nil activity means nothing notable happened.
type Activity struct {
	TotalVolume float64  `json:"total_volume"`
	BuyVolume   float64  `json:"buy_volume"`
	SellVolume  float64  `json:"sell_volume"`
	StartPrice  float64  `json:"start_price"`
	EndPrice    float64  `json:"end_price"`
	PriceChange float64  `json:"price_change"`
	TradeCount  int      `json:"trade_count"`
	Reasons     []string `json:"reasons"` // human-readable triggers, e.g. "High Volume ($12,345)"
}

// Candidate is a market opportunity eligible for AI analysis. Transient:
// recomputed from fresh market data each tick and never persisted.
type Candidate struct {
	ID             string    `json:"id"` // event slug; also the insight-cooldown key
	EventTitle     string    `json:"event_title"`
	EventSlug      string    `json:"event_slug"`
	MarketQuestion string    `json:"market_question"`
	Category       string    `json:"category"`
	Priority       float64   `json:"priority"` // freshness/priority score, higher is better
	Activity       Activity  `json:"activity"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Validate checks that all candidate fields are valid.
func (c *Candidate) Validate() error {
	if c.ID == "" {
		return errors.New("candidate ID must not be empty")
	}
	if c.Category == "" {
		return errors.New("candidate category must not be empty")
	}
	if c.Priority < 0 {
		return errors.New("candidate priority must not be negative")
	}
	return nil
}
