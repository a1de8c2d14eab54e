// Package scheduler is the control loop of the whale-watch engine. Each tick
// it scans the market for new whale trades (always, in every phase) and then
// decides whether to spend one unit of the daily AI budget on the best
// analysis candidate.
//
// The analysis side is a phase machine. A fresh start or a day rollover
// enters burst mode, which front-loads calls without inter-call spacing so
// operators get immediate value. Once the burst allotment runs out the
// scheduler throttles to steady mode, spacing the remaining calls across the
// day, until the quota is exhausted and only whale scans continue.
//
// Persistence ordering per tick: mutate in memory, then save, then touch the
// next external dependency. A save failure aborts the rest of the tick so a
// restart can never observe an alert that was sent but not recorded, or a
// quota spend whose analysis never ran.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whalewatch/engine/internal/dedup"
	"github.com/whalewatch/engine/internal/diversity"
	"github.com/whalewatch/engine/internal/logger"
	"github.com/whalewatch/engine/internal/models"
	"github.com/whalewatch/engine/internal/quota"
	"github.com/whalewatch/engine/internal/state"
)

// Phase is the scheduler state.
type Phase int

const (
	// PhaseIdle is the phase before the first tick.
	PhaseIdle Phase = iota
	// PhaseWhaleScan is the transient phase while the trade tape is scanned.
	PhaseWhaleScan
	// PhaseBurstAnalysis spends quota on every tick, ignoring call spacing.
	PhaseBurstAnalysis
	// PhaseSteadyAnalysis spends quota subject to the minimum call gap.
	PhaseSteadyAnalysis
	// PhaseQuotaExhausted blocks analysis until the next day rollover.
	PhaseQuotaExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWhaleScan:
		return "whale_scan"
	case PhaseBurstAnalysis:
		return "burst_analysis"
	case PhaseSteadyAnalysis:
		return "steady_analysis"
	case PhaseQuotaExhausted:
		return "quota_exhausted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarketSource supplies fresh market data. Failures are transient: the
// scheduler treats them as "no new data this tick".
type MarketSource interface {
	FetchRecentTrades(ctx context.Context) ([]models.MarketTrade, error)
	FetchCandidates(ctx context.Context) ([]models.Candidate, error)
}

// AnalysisEngine runs the AI analysis for one candidate. One quota unit is
// consumed per invocation attempt, successful or not.
type AnalysisEngine interface {
	Analyze(ctx context.Context, cand models.Candidate) (*models.AnalysisResult, error)
}

// Broadcaster delivers outbound messages. Delivery failures are logged and
// never block bookkeeping.
type Broadcaster interface {
	BroadcastWhaleAlert(ctx context.Context, w models.WhaleEvent) error
	BroadcastInsight(ctx context.Context, cand models.Candidate, result *models.AnalysisResult, used, max int) error
}

// StateStore persists the state blob. Save failures are escalated out of the
// tick.
type StateStore interface {
	Save(*state.State) error
}

// Config holds the scheduling knobs, read once at startup.
type Config struct {
	WhaleThreshold    float64        // notional above which a trade is a whale
	BigWhaleThreshold float64        // used only for alert formatting downstream
	MaxDailyCalls     int            // AI-call budget per calendar day
	MinCallGap        time.Duration  // spacing between calls in steady mode
	BurstCount        int            // calls allowed without spacing after start/rollover
	HistoryWindow     int            // topic history length for diversity bias
	InsightCooldown   time.Duration  // per-event re-analysis suppression
	Timezone          *time.Location // reference timezone for day keys
}

// Scheduler drives one tick at a time. All state access is serialized by an
// internal mutex so a slow tick can never overlap the next one.
type Scheduler struct {
	cfg    Config
	source MarketSource
	engine AnalysisEngine
	out    Broadcaster
	store  StateStore

	mu        sync.Mutex
	st        *state.State
	seen      *dedup.Registry
	phase     Phase
	burstLeft int
}

// New creates a scheduler resuming from the given persisted state. The
// engine and broadcaster may be nil, disabling the analysis pass and
// outbound delivery respectively.
func New(cfg Config, source MarketSource, engine AnalysisEngine, out Broadcaster, store StateStore, st *state.State) *Scheduler {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = cfg.MaxDailyCalls
	}
	return &Scheduler{
		cfg:    cfg,
		source: source,
		engine: engine,
		out:    out,
		store:  store,
		st:     st,
		seen:   dedup.NewRegistry(st.SeenTrades),
		phase:  PhaseIdle,
	}
}

// Phase returns the current scheduler phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// QuotaUsed returns today's consumed calls and the daily maximum.
func (s *Scheduler) QuotaUsed() (used, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Quota.CallsUsed, s.cfg.MaxDailyCalls
}

// Tick runs one full scheduling pass at now. Safe to call from a single
// loop; a second concurrent caller blocks until the in-flight tick commits
// its state.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseIdle {
		s.enterBurst()
	}

	// Day key is computed freshly every tick so a long-running process
	// cannot miss a rollover.
	today := quota.DayKey(now, s.cfg.Timezone)
	if quota.RollDay(&s.st.Quota, today) {
		logger.Info("Day rolled over to %s, quota reset, re-entering burst mode", today)
		s.enterBurst()
	}

	// Whale scan runs every tick regardless of the analysis phase.
	analysisPhase := s.phase
	s.phase = PhaseWhaleScan
	mutated := s.scanWhales(ctx, now)
	s.phase = analysisPhase

	if mutated {
		if err := s.persist(now); err != nil {
			return fmt.Errorf("persist whale scan: %w", err)
		}
	}

	if err := s.runAnalysis(ctx, now); err != nil {
		return err
	}

	s.st.Prune(now)
	return nil
}

func (s *Scheduler) enterBurst() {
	s.phase = PhaseBurstAnalysis
	s.burstLeft = s.cfg.BurstCount
}

// scanWhales detects and alerts novel whale trades. Reports whether the seen
// registry changed. All external failures are downgraded to a skipped item.
func (s *Scheduler) scanWhales(ctx context.Context, now time.Time) bool {
	trades, err := s.source.FetchRecentTrades(ctx)
	if err != nil {
		logger.Warn("Market data unavailable this tick: %v", err)
		return false
	}

	alerted := 0
	for i := range trades {
		mt := &trades[i]
		if mt.Value() < s.cfg.WhaleThreshold {
			continue
		}
		key := mt.Key()
		if !s.seen.IsNew(key) {
			continue
		}

		w := models.WhaleEvent{
			TradeKey:       key,
			EventTitle:     mt.EventTitle,
			EventSlug:      mt.EventSlug,
			MarketQuestion: mt.MarketQuestion,
			Side:           mt.Side,
			Category:       mt.Category,
			Notional:       mt.Value(),
			Price:          mt.Price,
			ObservedAt:     now,
		}
		if err := w.Validate(); err != nil {
			logger.Warn("Skipping malformed whale trade %s: %v", key, err)
			continue
		}

		if s.out != nil {
			if err := s.out.BroadcastWhaleAlert(ctx, w); err != nil {
				logger.Error("Whale alert delivery for %s: %v", key, err)
			}
		}
		// Committed independently of transport success: a flaky destination
		// must not cause an alert storm after recovery.
		s.seen.MarkSeen(key)
		alerted++
	}

	if alerted > 0 {
		logger.Info("Whale scan: %d new alert(s), %d trades inspected", alerted, len(trades))
	}
	return alerted > 0
}

// runAnalysis performs at most one quota spend per tick according to the
// current phase.
func (s *Scheduler) runAnalysis(ctx context.Context, now time.Time) error {
	if s.engine == nil || s.phase == PhaseQuotaExhausted {
		s.syncExhausted()
		return nil
	}

	ignoreGap := s.phase == PhaseBurstAnalysis
	if !quota.CanSpend(s.st.Quota, s.cfg.MaxDailyCalls, now, s.cfg.MinCallGap, ignoreGap) {
		s.syncExhausted()
		return nil
	}

	cands, err := s.source.FetchCandidates(ctx)
	if err != nil {
		logger.Warn("Candidate fetch failed this tick: %v", err)
		return nil
	}

	eligible := s.filterCooledDown(cands, now)
	picks := diversity.SelectNext(eligible, s.st.TopicHistory, 1)
	if len(picks) == 0 {
		return nil
	}
	best := picks[0]

	// Spend first: a failed analysis call still consumes quota to bound API
	// cost exposure.
	if err := quota.Spend(&s.st.Quota, s.cfg.MaxDailyCalls, now); err != nil {
		return fmt.Errorf("quota contract violated: %w", err)
	}
	s.st.TopicHistory = diversity.Record(s.st.TopicHistory, []string{best.Category}, s.cfg.HistoryWindow)
	s.st.Insights[best.ID] = now.Unix()
	if s.phase == PhaseBurstAnalysis {
		s.burstLeft--
	}

	// The spend must be durable before the engine call suspends the tick.
	if err := s.persist(now); err != nil {
		return fmt.Errorf("persist quota spend: %w", err)
	}

	logger.Info("Analyzing %s (topic: %s, priority: %.0f, budget: %d/%d, phase: %s)",
		best.ID, best.Category, best.Priority, s.st.Quota.CallsUsed, s.cfg.MaxDailyCalls, s.phase)

	result, err := s.engine.Analyze(ctx, best)
	if err != nil {
		logger.Warn("Analysis failed for %s (quota unit already spent): %v", best.ID, err)
	} else if s.out != nil {
		if err := s.out.BroadcastInsight(ctx, best, result, s.st.Quota.CallsUsed, s.cfg.MaxDailyCalls); err != nil {
			logger.Error("Insight delivery for %s: %v", best.ID, err)
		} else {
			logger.Info("Insight %s delivered for %s", result.ID, best.ID)
		}
	}

	s.advancePhase()
	return nil
}

// filterCooledDown drops candidates whose event was analyzed within the
// insight cooldown window.
func (s *Scheduler) filterCooledDown(cands []models.Candidate, now time.Time) []models.Candidate {
	if s.cfg.InsightCooldown <= 0 {
		return cands
	}
	out := cands[:0:0]
	for _, c := range cands {
		if last, ok := s.st.Insights[c.ID]; ok {
			if now.Sub(time.Unix(last, 0)) < s.cfg.InsightCooldown {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// advancePhase applies the post-spend transitions: exhausted once nothing
// remains, otherwise burst hands over to steady when its allotment is used.
func (s *Scheduler) advancePhase() {
	if quota.Remaining(s.st.Quota, s.cfg.MaxDailyCalls) == 0 {
		s.phase = PhaseQuotaExhausted
		return
	}
	if s.phase == PhaseBurstAnalysis && s.burstLeft <= 0 {
		s.phase = PhaseSteadyAnalysis
	}
}

// syncExhausted flips to the exhausted phase when remaining quota is zero,
// covering ticks where no spend happens (e.g. resumed from a spent state).
func (s *Scheduler) syncExhausted() {
	if s.phase != PhaseQuotaExhausted && quota.Remaining(s.st.Quota, s.cfg.MaxDailyCalls) == 0 {
		s.phase = PhaseQuotaExhausted
	}
}

// persist snapshots the seen registry into the state blob and saves it.
func (s *Scheduler) persist(now time.Time) error {
	s.st.SeenTrades = s.seen.IDs()
	s.st.Prune(now)
	s.seen.Trim(len(s.st.SeenTrades))
	if err := s.store.Save(s.st); err != nil {
		return err
	}
	return nil
}
