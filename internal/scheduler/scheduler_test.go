package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whalewatch/engine/internal/models"
	"github.com/whalewatch/engine/internal/state"
)

type fakeSource struct {
	trades    []models.MarketTrade
	cands     []models.Candidate
	tradesErr error
	candsErr  error
}

func (f *fakeSource) FetchRecentTrades(_ context.Context) ([]models.MarketTrade, error) {
	return f.trades, f.tradesErr
}

func (f *fakeSource) FetchCandidates(_ context.Context) ([]models.Candidate, error) {
	return f.cands, f.candsErr
}

type fakeEngine struct {
	calls []models.Candidate
	err   error
}

func (f *fakeEngine) Analyze(_ context.Context, cand models.Candidate) (*models.AnalysisResult, error) {
	f.calls = append(f.calls, cand)
	if f.err != nil {
		return nil, f.err
	}
	return &models.AnalysisResult{Advisory: "buy", Model: "test"}, nil
}

type fakeOut struct {
	whales   []models.WhaleEvent
	insights []models.Candidate
	err      error
}

func (f *fakeOut) BroadcastWhaleAlert(_ context.Context, w models.WhaleEvent) error {
	f.whales = append(f.whales, w)
	return f.err
}

func (f *fakeOut) BroadcastInsight(_ context.Context, cand models.Candidate, _ *models.AnalysisResult, _, _ int) error {
	f.insights = append(f.insights, cand)
	return f.err
}

// fakeStore keeps deep-copied snapshots, standing in for what is on disk.
type fakeStore struct {
	saves    []state.State
	failNext bool
}

func (f *fakeStore) Save(st *state.State) error {
	if f.failNext {
		return errors.New("disk full")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	var cp state.State
	if err := json.Unmarshal(raw, &cp); err != nil {
		return err
	}
	f.saves = append(f.saves, cp)
	return nil
}

func (f *fakeStore) last(t *testing.T) *state.State {
	t.Helper()
	require.NotEmpty(t, f.saves, "nothing persisted")
	return &f.saves[len(f.saves)-1]
}

func whaleTrade(id string, notional float64) models.MarketTrade {
	return models.MarketTrade{
		Trade: models.Trade{
			ID:        id,
			MarketID:  "m1",
			Side:      "BUY",
			Price:     0.5,
			Size:      notional / 0.5,
			Timestamp: 100,
		},
		EventTitle:     "Big event",
		EventSlug:      "big-event",
		MarketQuestion: "Will it happen?",
		Category:       "politics",
	}
}

func candidates(n int) []models.Candidate {
	cats := []string{"politics", "crypto", "tech"}
	out := make([]models.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Candidate{
			ID:       fmt.Sprintf("event-%d", i),
			Category: cats[i%len(cats)],
			Priority: float64(1000 - i),
			Activity: models.Activity{EndPrice: 0.4, TotalVolume: 9000},
		})
	}
	return out
}

func testConfig() Config {
	return Config{
		WhaleThreshold:  10000,
		MaxDailyCalls:   13,
		MinCallGap:      30 * time.Second,
		HistoryWindow:   20,
		InsightCooldown: 6 * time.Hour,
		Timezone:        time.UTC,
	}
}

var base = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func TestTick_WhaleAlertedExactlyOnce(t *testing.T) {
	source := &fakeSource{trades: []models.MarketTrade{whaleTrade("t1", 15000)}}
	out := &fakeOut{}
	store := &fakeStore{}

	s := New(testConfig(), source, nil, out, store, state.New())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Tick(context.Background(), base.Add(time.Duration(i)*time.Minute)))
	}

	assert.Len(t, out.whales, 1, "same trade must alert exactly once")
	assert.Equal(t, "t1", out.whales[0].TradeKey)
	assert.Equal(t, 15000.0, out.whales[0].Notional)
	assert.Contains(t, store.last(t).SeenTrades, "t1")
}

func TestTick_SmallTradesIgnored(t *testing.T) {
	source := &fakeSource{trades: []models.MarketTrade{whaleTrade("t1", 9999)}}
	out := &fakeOut{}
	s := New(testConfig(), source, nil, out, &fakeStore{}, state.New())

	require.NoError(t, s.Tick(context.Background(), base))
	assert.Empty(t, out.whales)
}

func TestTick_RestartSafety(t *testing.T) {
	source := &fakeSource{trades: []models.MarketTrade{whaleTrade("t1", 15000)}}
	store := &fakeStore{}

	first := New(testConfig(), source, nil, &fakeOut{}, store, state.New())
	require.NoError(t, first.Tick(context.Background(), base))

	// Simulate a restart: reload whatever was last persisted.
	reloaded := store.last(t)
	out := &fakeOut{}
	second := New(testConfig(), source, nil, out, store, reloaded)

	require.NoError(t, second.Tick(context.Background(), base.Add(time.Minute)))
	assert.Empty(t, out.whales, "persisted whale must not re-alert after restart")
}

func TestTick_TransportFailureStillCommitsBookkeeping(t *testing.T) {
	source := &fakeSource{trades: []models.MarketTrade{whaleTrade("t1", 15000)}}
	out := &fakeOut{err: errors.New("telegram down")}
	store := &fakeStore{}
	s := New(testConfig(), source, nil, out, store, state.New())

	require.NoError(t, s.Tick(context.Background(), base))
	require.NoError(t, s.Tick(context.Background(), base.Add(time.Minute)))

	assert.Len(t, out.whales, 1, "failed delivery must not cause a re-alert")
	assert.Contains(t, store.last(t).SeenTrades, "t1")
}

func TestTick_SourceFailureIsSoft(t *testing.T) {
	source := &fakeSource{
		tradesErr: errors.New("network"),
		candsErr:  errors.New("network"),
	}
	engine := &fakeEngine{}
	s := New(testConfig(), source, engine, &fakeOut{}, &fakeStore{}, state.New())

	require.NoError(t, s.Tick(context.Background(), base), "external outage must not fail the tick")
	assert.Empty(t, engine.calls)
}

func TestTick_BurstSpendsWithoutSpacingThenExhausts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyCalls = 13
	cfg.BurstCount = 13

	source := &fakeSource{cands: candidates(20)}
	engine := &fakeEngine{}
	store := &fakeStore{}
	s := New(cfg, source, engine, &fakeOut{}, store, state.New())

	// Ticks one second apart: far below the 30s steady gap.
	for i := 0; i < 13; i++ {
		require.NoError(t, s.Tick(context.Background(), base.Add(time.Duration(i)*time.Second)))
	}

	assert.Len(t, engine.calls, 13)
	assert.Equal(t, PhaseQuotaExhausted, s.Phase(), "daily max == burst count goes straight to exhausted")
	assert.Equal(t, 13, store.last(t).Quota.CallsUsed)

	// Further ticks this day must not analyze.
	require.NoError(t, s.Tick(context.Background(), base.Add(time.Hour)))
	assert.Len(t, engine.calls, 13)
}

func TestTick_BurstHandsOverToSteadyWithSpacing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyCalls = 5
	cfg.BurstCount = 2

	source := &fakeSource{cands: candidates(20)}
	engine := &fakeEngine{}
	s := New(cfg, source, engine, &fakeOut{}, &fakeStore{}, state.New())

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx, base))
	require.NoError(t, s.Tick(ctx, base.Add(time.Second)))
	assert.Len(t, engine.calls, 2)
	assert.Equal(t, PhaseSteadyAnalysis, s.Phase())

	// Within the steady gap: no spend.
	require.NoError(t, s.Tick(ctx, base.Add(3*time.Second)))
	assert.Len(t, engine.calls, 2)

	// Past the gap: spend resumes at the throttled rate.
	require.NoError(t, s.Tick(ctx, base.Add(40*time.Second)))
	assert.Len(t, engine.calls, 3)
}

func TestTick_DayRolloverReentersBurst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyCalls = 2
	cfg.BurstCount = 2

	source := &fakeSource{cands: candidates(20)}
	engine := &fakeEngine{}
	store := &fakeStore{}
	s := New(cfg, source, engine, &fakeOut{}, store, state.New())

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx, base))
	require.NoError(t, s.Tick(ctx, base.Add(time.Second)))
	assert.Equal(t, PhaseQuotaExhausted, s.Phase())

	nextDay := base.Add(24 * time.Hour)
	require.NoError(t, s.Tick(ctx, nextDay))
	assert.Equal(t, 3, len(engine.calls), "rollover must reset the budget and burst again")
	assert.Equal(t, 1, store.last(t).Quota.CallsUsed)
	assert.Equal(t, "2026-08-30", store.last(t).Quota.DayKey)
}

func TestTick_CrashConsistencyOnPersistFailure(t *testing.T) {
	cfg := testConfig()
	source := &fakeSource{cands: candidates(20)}
	engine := &fakeEngine{}
	store := &fakeStore{}
	s := New(cfg, source, engine, &fakeOut{}, store, state.New())

	store.failNext = true
	err := s.Tick(context.Background(), base)
	require.Error(t, err, "persistence failure must escalate")
	assert.Empty(t, engine.calls, "analysis must not run on an unpersisted spend")
	assert.Empty(t, store.saves, "nothing may reach disk")

	// A restart from the (empty) durable state must not observe the spend.
	store.failNext = false
	fresh := New(cfg, source, engine, &fakeOut{}, store, state.New())
	require.NoError(t, fresh.Tick(context.Background(), base.Add(time.Minute)))
	assert.Equal(t, 1, store.last(t).Quota.CallsUsed)
}

func TestTick_InsightCooldownSuppressesRepeat(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyCalls = 5
	cfg.BurstCount = 5

	only := candidates(1)
	source := &fakeSource{cands: only}
	engine := &fakeEngine{}
	s := New(cfg, source, engine, &fakeOut{}, &fakeStore{}, state.New())

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx, base))
	require.NoError(t, s.Tick(ctx, base.Add(time.Minute)))
	assert.Len(t, engine.calls, 1, "same event within cooldown must not re-analyze")

	require.NoError(t, s.Tick(ctx, base.Add(7*time.Hour)))
	assert.Len(t, engine.calls, 2, "cooldown expiry makes the event eligible again")
}

func TestTick_FailedAnalysisStillConsumesQuota(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyCalls = 2
	cfg.BurstCount = 2

	source := &fakeSource{cands: candidates(20)}
	engine := &fakeEngine{err: errors.New("llm outage")}
	out := &fakeOut{}
	store := &fakeStore{}
	s := New(cfg, source, engine, out, store, state.New())

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx, base))
	require.NoError(t, s.Tick(ctx, base.Add(time.Second)))
	require.NoError(t, s.Tick(ctx, base.Add(2*time.Second)))

	assert.Len(t, engine.calls, 2, "failed calls count against the budget")
	assert.Empty(t, out.insights, "no insight is broadcast for failed analysis")
	assert.Equal(t, 2, store.last(t).Quota.CallsUsed)
	assert.Equal(t, PhaseQuotaExhausted, s.Phase())
}

func TestTick_WhaleScansContinueWhileExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyCalls = 1
	cfg.BurstCount = 1

	source := &fakeSource{cands: candidates(5)}
	out := &fakeOut{}
	s := New(cfg, source, &fakeEngine{}, out, &fakeStore{}, state.New())

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx, base))
	assert.Equal(t, PhaseQuotaExhausted, s.Phase())

	source.trades = []models.MarketTrade{whaleTrade("t1", 20000)}
	require.NoError(t, s.Tick(ctx, base.Add(time.Minute)))
	assert.Len(t, out.whales, 1, "whale alerts run 24/7 regardless of quota")
}

func TestTick_TopicHistoryDrivesDiversity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyCalls = 3
	cfg.BurstCount = 3

	// Three events per category; politics has the highest raw priority.
	cands := []models.Candidate{
		{ID: "p1", Category: "politics", Priority: 900},
		{ID: "p2", Category: "politics", Priority: 890},
		{ID: "c1", Category: "crypto", Priority: 500},
		{ID: "t1", Category: "tech", Priority: 400},
	}
	source := &fakeSource{cands: cands}
	engine := &fakeEngine{}
	s := New(cfg, source, engine, &fakeOut{}, &fakeStore{}, state.New())

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx, base))
	require.NoError(t, s.Tick(ctx, base.Add(time.Second)))
	require.NoError(t, s.Tick(ctx, base.Add(2*time.Second)))

	require.Len(t, engine.calls, 3)
	got := map[string]bool{}
	for _, c := range engine.calls {
		got[c.Category] = true
	}
	assert.Len(t, got, 3, "three spends should cover three distinct topics, got %v", engine.calls)
}
