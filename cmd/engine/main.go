// Macro Sleeve Engine — a systematic multi-sleeve macro trading engine core.
//
// Architecture:
//
//	main.go                     — entry point: loads config, starts the scheduler, waits for SIGINT/SIGTERM
//	internal/ledger             — run ledger (sqlite, fencing tokens) + wall-clock slot scheduler
//	internal/risk               — regime classification, vol targeting, sovereign-rates-short kill switches
//	internal/allocator          — risk-parity sleeve weighting, blending, constraint projection
//	internal/strategy           — per-sleeve target-position generation + target/live diffing
//	internal/execution          — policy, order state machine, basket/pair executors, slippage, gater
//	internal/hedge              — tail-hedge ladder, option validator, roll/monetization, sovereign overlay
//	internal/fxsvc, internal/portfolio — FX snapshot service, NAV/position bookkeeping
//	internal/ports, internal/ports/paper — broker/market-data port interfaces + the in-repo paper adapter
//
// One daily run works a single scheduled slot end to end: acquire the run
// ledger slot, snapshot inputs, generate sleeve targets, diff into order
// intents, gate and submit each, record fills, then mark the run complete.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"macro-sleeve-engine/internal/allocator"
	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/internal/execution"
	"macro-sleeve-engine/internal/fxsvc"
	"macro-sleeve-engine/internal/hedge"
	"macro-sleeve-engine/internal/ledger"
	"macro-sleeve-engine/internal/portfolio"
	"macro-sleeve-engine/internal/ports"
	"macro-sleeve-engine/internal/ports/paper"
	"macro-sleeve-engine/internal/risk"
	"macro-sleeve-engine/internal/strategy"
	"macro-sleeve-engine/pkg/types"
)

func main() {
	profile := flag.String("profile", "", "configuration profile, paper or live (overrides the config file's profile)")
	flag.Parse()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MACRO_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if *profile != "" {
		cfg.Profile = *profile
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := newEngine(*cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer eng.close()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — profile is paper, no live broker is wired")
	}
	logger.Info("macro sleeve engine starting",
		"profile", cfg.Profile,
		"slots", len(cfg.Scheduler.Slots),
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.watchdog.Run(ctx)
	go eng.scheduler.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	eng.watchdog.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// engine bundles every component a daily run touches, plus the scheduler
// and watchdog that drive it.
type engine struct {
	cfg    config.Config
	logger *slog.Logger

	ledger    *ledger.Ledger
	scheduler *ledger.Scheduler
	watchdog  *ports.Watchdog

	riskEngine *risk.Engine
	alloc      *allocator.Allocator
	hedgeBook  *hedge.Ledger
	hedgeVal   *hedge.Validator

	fx        *fxsvc.Service
	book      *portfolio.PortfolioState
	broker    *paper.Broker
	policy    *execution.Policy
	slippage  *execution.SlippageModel
	analytics *execution.AnalyticsLog

	universe map[string]types.Instrument
}

func newEngine(cfg config.Config, logger *slog.Logger) (*engine, error) {
	ledgerPath := cfg.Store.LedgerPath
	if ledgerPath == "" {
		ledgerPath = "data/ledger.db"
	}
	fencingToken := fmt.Sprintf("%s:%d", hostnameOrUnknown(), cfg.Broker.ClientID)
	led, err := ledger.Open(ledgerPath, fencingToken)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	book, err := portfolio.Load(cfg.Store.DataDir+"/portfolio.json", "USD")
	if err != nil {
		book = portfolio.New("USD")
	}

	fx := fxsvc.New("USD", 24*time.Hour)

	broker := paper.NewBroker(paper.Config{
		StartingNAV:   1_000_000,
		BaseCurrency:  "USD",
		CommissionBps: 0.5,
		SlippageBps:   1,
	}, logger)

	universe := defaultUniverse()
	seedQuotes(broker, universe)

	watchdog := ports.NewWatchdog(broker, cfg.Broker.HeartbeatEvery, cfg.Broker.ReadinessBudget, 3, logger)

	slots := make([]ledger.Slot, 0, len(cfg.Scheduler.Slots))
	for _, s := range cfg.Scheduler.Slots {
		slots = append(slots, ledger.Slot{Name: s.Name, Hour: s.Hour, Minute: s.Minute, Exchanges: s.Exchanges})
	}

	e := &engine{
		cfg:        cfg,
		logger:     logger,
		ledger:     led,
		riskEngine: risk.NewEngine(cfg.Risk, logger),
		alloc:      allocator.New(cfg.Allocator),
		hedgeBook:  hedge.NewLedger(cfg.Hedge.AnnualBudgetPct, 1_000_000),
		hedgeVal:   hedge.NewValidator(cfg.Hedge.MinDTE, 50_000),
		fx:         fx,
		book:       book,
		broker:     broker,
		policy:     execution.NewPolicy(cfg.Execution),
		slippage:   execution.NewSlippageModel(cfg.Execution.SlippageWindow, cfg.Execution.SlippageMinSamples, cfg.Execution.SlippageDefaultBps),
		analytics:  execution.NewAnalyticsLog(),
		watchdog:   watchdog,
		universe:   universe,
	}

	e.scheduler = ledger.NewScheduler(slots, ledger.SchedulerConfig{
		TickInterval:  cfg.Scheduler.TickInterval,
		DeferRetries:  cfg.Scheduler.DeferRetries,
		DeferInterval: cfg.Scheduler.DeferInterval,
		DeferBudget:   cfg.Scheduler.DeferBudget,
	}, broker, e.runSlot, logger)

	return e, nil
}

func (e *engine) close() {
	if e.ledger != nil {
		e.ledger.Close()
	}
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// defaultUniverse is the minimal instrument reference set this engine
// demonstration trades; a production deployment loads this from the
// broker's contract database instead of hardcoding it.
func defaultUniverse() map[string]types.Instrument {
	us := types.Instrument{ID: "ES", AssetClass: types.AssetFut, Currency: "USD", Multiplier: 50, Exchange: "CME", TickSize: 0.25, ADV: 2_000_000}
	eu := types.Instrument{ID: "FESX", AssetClass: types.AssetFut, Currency: "EUR", Multiplier: 10, Exchange: "EUREX", TickSize: 1, ADV: 500_000}
	fx := types.Instrument{ID: "6E", AssetClass: types.AssetFXFut, Currency: "USD", Multiplier: 125_000, Exchange: "CME", TickSize: 0.0001, ADV: 300_000}
	return map[string]types.Instrument{us.ID: us, eu.ID: eu, fx.ID: fx}
}

// seedQuotes primes the paper broker's book with a starting quote per
// instrument in the demonstration universe. A live deployment feeds this
// from the broker's market-data stream instead.
func seedQuotes(broker *paper.Broker, universe map[string]types.Instrument) {
	now := time.Now()
	starting := map[string][2]float64{
		"ES":   {5999.75, 6000.25},
		"FESX": {4899.5, 4900.5},
		"6E":   {1.0795, 1.0805},
	}
	for id := range universe {
		px, ok := starting[id]
		if !ok {
			continue
		}
		broker.SetQuote(types.Quote{InstrumentID: id, Timestamp: now, Bid: px[0], Ask: px[1]})
	}
}

// runSlot is the ledger.RunFunc driving one full decision/execution cycle
// for a due scheduled slot: acquire, snapshot inputs, allocate, generate
// intents, gate, submit, record, complete.
func (e *engine) runSlot(ctx context.Context, slot ledger.Slot, tradeDate string) error {
	log := e.logger.With("slot", slot.Name, "trade_date", tradeDate)

	run, resumable, outcome, err := e.ledger.ResumeOrStart(ctx, tradeDate, slot.Name)
	if err != nil {
		return fmt.Errorf("acquire run: %w", err)
	}
	if outcome == ledger.AlreadyDone {
		return nil
	}
	if outcome == ledger.Busy {
		log.Warn("slot already owned by another run")
		return nil
	}

	instrumentIDs := make([]string, 0, len(e.universe))
	for id := range e.universe {
		instrumentIDs = append(instrumentIDs, id)
	}
	quotes, err := e.broker.Batch(ctx, instrumentIDs)
	if err != nil {
		return e.fail(ctx, run.RunID, err)
	}
	prices := make(map[string]float64, len(quotes))
	for id, q := range quotes {
		prices[id] = q.Reference()
	}

	nav := e.book.NAV(e.fx)
	if nav <= 0 {
		nav = 1_000_000
	}
	navHistory := e.book.NAVHistory()
	equity := make([]float64, 0, len(navHistory))
	for _, p := range navHistory {
		equity = append(equity, p.NAV)
	}
	// VIX has no feed wired in this demonstration universe; a production
	// deployment sources it alongside the rest of the market-data batch.
	regime := e.riskEngine.DetectRegime(20, risk.CurrentDrawdown(equity))

	var intents []types.OrderIntent
	if resumable {
		// A crash after INTENTS_COMPUTED must not recompute sizing: the
		// persisted intent set is the run's committed decision, replayed
		// as-is so a restart can't submit a different basket than the one
		// that was recorded.
		log.Info("resuming in-flight run, replaying persisted intents", "run_id", run.RunID, "stage", run.Stage)
		intents, err = e.ledger.LoadIntents(ctx, run.RunID)
		if err != nil {
			return e.fail(ctx, run.RunID, err)
		}
	} else {
		fingerprint := ledger.InputsFingerprint{
			Positions:      positionFingerprints(e.book.Positions()),
			FXSnapshotUnix: e.fx.SnapshotTime().Unix(),
			ParamsVersion:  "v1",
		}
		if err := e.ledger.RecordInputs(ctx, run.RunID, ledger.InputsHash(fingerprint)); err != nil {
			return e.fail(ctx, run.RunID, err)
		}

		sleeveWeights := e.alloc.ProjectConstraints(e.alloc.InverseVolWeights(map[string]float64{
			"core_index_rv": 0.12,
		}))
		coreNotional := nav * sleeveWeights["core_index_rv"] * e.cfg.Risk.TargetVol

		us, eu, fxFuture := e.universe["ES"], e.universe["FESX"], e.universe["6E"]
		targets := strategy.CoreIndexRVTargets(coreNotional, us, eu, prices["ES"], prices["FESX"], fxFuture, eurUSD(prices))

		intents = strategy.GenerateOrders(targets, e.book.Positions(), prices, strategy.DiffConfig{
			MinShares:      e.cfg.Strategy.MinShares,
			MinNotionalUSD: e.cfg.Strategy.MinNotionalUSD,
		}, strategy.GrossLeverageConfig{
			MaxGrossLeverage: e.cfg.Allocator.MaxGrossLeverage,
			NAV:              nav,
			EmergencyDerisk:  regime == types.RegimeCrisis,
		})
		if err := e.ledger.RecordIntents(ctx, run.RunID, ledger.IntentsHash(intents), intents); err != nil {
			return e.fail(ctx, run.RunID, err)
		}
	}

	for _, intent := range intents {
		if err := e.submitIntent(ctx, run.RunID, intent, quotes, prices, nav, regime); err != nil {
			log.Warn("intent submission failed", "instrument", intent.InstrumentID, "error", err)
		}
	}

	return e.ledger.Complete(ctx, run.RunID)
}

func (e *engine) submitIntent(ctx context.Context, runID string, intent types.OrderIntent, quotes map[string]types.Quote, prices map[string]float64, nav float64, regime types.Regime) error {
	intentKey := ledger.IntentKey(intent)
	if outcome, terminal, err := e.ledger.TicketOutcome(ctx, runID, intentKey); err != nil {
		return fmt.Errorf("ticket outcome lookup: %w", err)
	} else if terminal {
		e.logger.Info("skipping already-terminal ticket on resume", "instrument", intent.InstrumentID, "outcome", outcome)
		return nil
	}

	inst, ok := e.universe[intent.InstrumentID]
	if !ok {
		return fmt.Errorf("unknown instrument %s", intent.InstrumentID)
	}
	quote := quotes[intent.InstrumentID]

	current := e.book.Positions()[intent.InstrumentID]
	decision := execution.Gate(execution.GateRequest{
		InstrumentID:    intent.InstrumentID,
		Reason:          intent.Reason,
		Urgency:         intent.Urgency,
		CurrentNotional: current.Quantity * prices[intent.InstrumentID] * inst.Multiplier,
		TargetNotional:  current.Quantity*prices[intent.InstrumentID]*inst.Multiplier + intent.SignedQuantity()*prices[intent.InstrumentID]*inst.Multiplier,
		NAV:             nav,
		Regime:          regime,
		SlippageBps:     e.slippage.Estimate(intent.InstrumentID, inst.AssetClass),
		CommissionBps:   0.5,
	}, e.cfg.Execution)
	if !decision.Trade {
		return nil
	}

	plan, err := e.policy.Plan(intent, inst, quote, execution.PhaseContinuous, time.Now(), e.cfg.Execution.SlippageDefaultBps*2)
	if err != nil {
		return err
	}

	brokerID, err := e.broker.Submit(ctx, inst, intent, plan)
	if err != nil {
		e.ledger.RecordTerminal(ctx, runID, intentKey, "REJECTED")
		return err
	}
	if err := e.ledger.RecordSubmission(ctx, runID, intentKey, brokerID, brokerID); err != nil {
		return err
	}

	status, err := e.broker.Status(ctx, brokerID)
	if err != nil {
		return err
	}
	e.book.ApplyFill(inst, intent.SignedQuantity(), status.AvgFillPrice, intent.Sleeve)
	e.slippage.Record(execution.SlippageSample{
		InstrumentID: intent.InstrumentID,
		AssetClass:   inst.AssetClass,
		SlippageBps:  execution.RealizedSlippageBps(intent.Side, status.AvgFillPrice, quote.Reference()),
	})
	e.analytics.RecordFill(execution.FillRecord{
		InstrumentID: intent.InstrumentID,
		AssetClass:   inst.AssetClass,
		Side:         intent.Side,
		Quantity:     intent.Quantity,
		FillPrice:    status.AvgFillPrice,
		ArrivalPrice: quote.Reference(),
		Commission:   status.Commission,
		FinalState:   status.State,
		Timestamp:    time.Now(),
	})
	return e.ledger.RecordTerminal(ctx, runID, intentKey, string(status.State))
}

func (e *engine) fail(ctx context.Context, runID string, cause error) error {
	if recErr := e.ledger.Fail(ctx, runID, cause); recErr != nil {
		e.logger.Error("failed to record run failure", "error", recErr)
	}
	return cause
}

func positionFingerprints(positions map[string]types.Position) map[string]ledger.PositionFingerprint {
	out := make(map[string]ledger.PositionFingerprint, len(positions))
	for id, p := range positions {
		out[id] = ledger.PositionFingerprint{Quantity: p.Quantity, AvgCost: p.AvgCost, LastMark: p.LastMark}
	}
	return out
}

// eurUSD reads the EURUSD rate from the 6E FX future's reference price;
// falls back to a fixed 1.08 when that price is missing so the demo
// universe never divides by zero.
func eurUSD(prices map[string]float64) float64 {
	if v, ok := prices["6E"]; ok && v > 0 {
		return v
	}
	return 1.08
}
