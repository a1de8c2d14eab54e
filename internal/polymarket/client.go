// Package polymarket provides access to the Polymarket Gamma API (events)
// and Data API (trades), plus the activity scoring that turns a market's
// recent trade tape into an analysis candidate.
//
// All fetch failures are transient by contract: callers treat an error as
// "no new data this tick" and retry on the next cycle.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/whalewatch/engine/internal/logger"
	"github.com/whalewatch/engine/internal/models"
)

// Activity floors: a market becomes interesting on decent volume or a
// five-cent move within the fetched trade window.
const (
	volumeFloor    = 5000.0
	priceMoveFloor = 0.05
)

const tradesPerMarket = 50

// Client provides access to the Polymarket APIs.
type Client struct {
	gammaURL       string
	dataURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration

	// One Gamma+Data pass serves both FetchRecentTrades and FetchCandidates
	// within a tick; the scan is cached briefly so the two calls share it.
	mu       sync.Mutex
	scanned  *scanResult
	scanTTL  time.Duration
	scanTime time.Time
}

type scanResult struct {
	trades     []models.MarketTrade
	candidates []models.Candidate
}

// NewClient creates a new Polymarket client.
func NewClient(gammaURL, dataURL string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		gammaURL:       strings.TrimRight(gammaURL, "/"),
		dataURL:        strings.TrimRight(dataURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		scanTTL:        30 * time.Second,
	}
}

// gammaTag is a topic tag attached to a Gamma event.
type gammaTag struct {
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// gammaMarket is a market inside a Gamma event.
type gammaMarket struct {
	ID       string `json:"id"`
	Question string `json:"question"`
}

// gammaEvent is an event as returned by the Gamma /events endpoint.
type gammaEvent struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Slug    string        `json:"slug"`
	EndDate string        `json:"endDate"`
	Tags    []gammaTag    `json:"tags"`
	Markets []gammaMarket `json:"markets"`
}

// dataTrade is a trade as returned by the Data API /trades endpoint.
type dataTrade struct {
	ID        string  `json:"id"`
	MatchID   string  `json:"matchId"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Timestamp int64   `json:"timestamp"`
}

// FetchExpiringEvents returns open events ending within hoursAhead whose tags
// match at least one of the given categories. The Gamma feed is ordered by
// end date ascending, so iteration stops at the first event past the window.
func (c *Client) FetchExpiringEvents(ctx context.Context, hoursAhead int, categories []string) ([]models.Event, error) {
	u := fmt.Sprintf("%s/events?closed=false&limit=100&offset=0&order=endDate&ascending=true", c.gammaURL)

	resp, err := c.doRequest(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer resp.Body.Close()

	var raw []gammaEvent
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	now := time.Now().UTC()
	horizon := now.Add(time.Duration(hoursAhead) * time.Hour)

	var events []models.Event
	for _, ge := range raw {
		if ge.EndDate == "" {
			continue
		}
		end, err := time.Parse(time.RFC3339, ge.EndDate)
		if err != nil {
			logger.Warn("Skipping event %s: unparseable end date %q", ge.ID, ge.EndDate)
			continue
		}
		if !end.After(now) {
			continue
		}
		if end.After(horizon) {
			break // sorted ascending, everything after is further out
		}

		category, ok := matchCategory(ge.Tags, categories)
		if !ok {
			continue
		}

		ev := models.Event{
			ID:       ge.ID,
			Title:    ge.Title,
			Slug:     ge.Slug,
			Category: category,
			EndDate:  end,
		}
		for _, gm := range ge.Markets {
			ev.Markets = append(ev.Markets, models.Market{ID: gm.ID, Question: gm.Question})
		}
		events = append(events, ev)
	}

	return events, nil
}

// matchCategory returns the first configured category matching any event tag
// (substring match either way, case-insensitive). With no categories
// configured every event matches under "other".
func matchCategory(tags []gammaTag, categories []string) (string, bool) {
	if len(categories) == 0 {
		return "other", true
	}
	var labels []string
	for _, t := range tags {
		if t.Label != "" {
			labels = append(labels, strings.ToLower(t.Label))
		}
		if t.Slug != "" {
			labels = append(labels, strings.ToLower(t.Slug))
		}
	}
	for _, cat := range categories {
		lc := strings.ToLower(cat)
		for _, label := range labels {
			if strings.Contains(label, lc) || strings.Contains(lc, label) {
				return lc, true
			}
		}
	}
	return "", false
}

// fetchMarketTrades returns recent trades for one market from the Data API.
func (c *Client) fetchMarketTrades(ctx context.Context, marketID string) ([]models.Trade, error) {
	u := fmt.Sprintf("%s/trades?market=%s&limit=%d", c.dataURL, url.QueryEscape(marketID), tradesPerMarket)

	resp, err := c.doRequest(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trades for %s: %w", marketID, err)
	}
	defer resp.Body.Close()

	var raw []dataTrade
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode trades for %s: %w", marketID, err)
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, dt := range raw {
		id := dt.MatchID
		if id == "" {
			id = dt.ID
		}
		trades = append(trades, models.Trade{
			ID:        id,
			MarketID:  marketID,
			Side:      strings.ToUpper(dt.Side),
			Price:     dt.Price,
			Size:      dt.Size,
			Timestamp: dt.Timestamp,
		})
	}
	return trades, nil
}

// AnalyzeActivity reduces a market's trade tape to activity metrics. Returns
// nil when nothing notable happened (low volume and flat price).
func AnalyzeActivity(trades []models.Trade) *models.Activity {
	if len(trades) == 0 {
		return nil
	}

	sorted := make([]models.Trade, len(trades))
	copy(sorted, trades)
	sortTradesByTime(sorted)

	act := models.Activity{
		StartPrice: sorted[0].Price,
		EndPrice:   sorted[len(sorted)-1].Price,
		TradeCount: len(trades),
	}
	act.PriceChange = act.EndPrice - act.StartPrice

	for i := range trades {
		v := trades[i].Value()
		act.TotalVolume += v
		switch trades[i].Side {
		case "BUY":
			act.BuyVolume += v
		case "SELL":
			act.SellVolume += v
		}
	}

	if act.TotalVolume > volumeFloor {
		act.Reasons = append(act.Reasons, fmt.Sprintf("High Volume ($%s)", humanize.CommafWithDigits(act.TotalVolume, 0)))
	}
	if math.Abs(act.PriceChange) > priceMoveFloor {
		direction := "📈 Raging Up"
		if act.PriceChange < 0 {
			direction = "📉 Crashing Down"
		}
		act.Reasons = append(act.Reasons, fmt.Sprintf("%s (%+.2f)", direction, act.PriceChange))
	}

	if len(act.Reasons) == 0 {
		return nil
	}
	return &act
}

func sortTradesByTime(trades []models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp < trades[j].Timestamp
	})
}

// scan performs one full pass: expiring events, per-market trades, and
// candidate scoring. Results are cached for scanTTL so the whale and
// analysis paths of a single tick share one API sweep.
func (c *Client) scan(ctx context.Context, hoursAhead int, categories []string) (*scanResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scanned != nil && time.Since(c.scanTime) < c.scanTTL {
		return c.scanned, nil
	}

	events, err := c.FetchExpiringEvents(ctx, hoursAhead, categories)
	if err != nil {
		return nil, err
	}

	res := &scanResult{}
	now := time.Now()
	bestBySlug := make(map[string]int) // event slug -> index into res.candidates

	for _, ev := range events {
		for _, m := range ev.Markets {
			trades, err := c.fetchMarketTrades(ctx, m.ID)
			if err != nil {
				logger.Warn("Skipping market %s this pass: %v", m.ID, err)
				continue
			}

			for _, t := range trades {
				res.trades = append(res.trades, models.MarketTrade{
					Trade:          t,
					EventTitle:     ev.Title,
					EventSlug:      ev.Slug,
					MarketQuestion: m.Question,
					Category:       ev.Category,
				})
			}

			act := AnalyzeActivity(trades)
			if act == nil {
				continue
			}
			cand := models.Candidate{
				ID:             ev.Slug,
				EventTitle:     ev.Title,
				EventSlug:      ev.Slug,
				MarketQuestion: m.Question,
				Category:       ev.Category,
				Priority:       act.TotalVolume + math.Abs(act.PriceChange)*10000,
				Activity:       *act,
				ObservedAt:     now,
			}
			// Keep only the strongest market per event.
			if i, ok := bestBySlug[ev.Slug]; ok {
				if cand.Priority > res.candidates[i].Priority {
					res.candidates[i] = cand
				}
			} else {
				bestBySlug[ev.Slug] = len(res.candidates)
				res.candidates = append(res.candidates, cand)
			}
		}
	}

	c.scanned = res
	c.scanTime = now
	return res, nil
}

// Source adapts the client to the scheduler's MarketSource contract for a
// fixed expiry window and category list.
type Source struct {
	client     *Client
	hoursAhead int
	categories []string
}

// NewSource wraps the client with the configured scan parameters.
func NewSource(client *Client, hoursAhead int, categories []string) *Source {
	return &Source{client: client, hoursAhead: hoursAhead, categories: categories}
}

// FetchRecentTrades returns all recent trades across expiring events, each
// annotated with its event context.
func (s *Source) FetchRecentTrades(ctx context.Context) ([]models.MarketTrade, error) {
	res, err := s.client.scan(ctx, s.hoursAhead, s.categories)
	if err != nil {
		return nil, err
	}
	return res.trades, nil
}

// FetchCandidates returns the analysis candidates scored from the same scan.
func (s *Source) FetchCandidates(ctx context.Context) ([]models.Candidate, error) {
	res, err := s.client.scan(ctx, s.hoursAhead, s.categories)
	if err != nil {
		return nil, err
	}
	return res.candidates, nil
}

// doRequest performs a GET with retry on network errors and 5xx responses.
func (c *Client) doRequest(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
