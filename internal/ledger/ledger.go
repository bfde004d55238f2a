// Package ledger implements the Run Ledger: it guarantees at most one
// complete decision/execution cycle per (trade_date, slot), survives
// process crashes, and lets a restarted process resume a run instead of
// re-submitting orders it already sent.
//
// Persistence is sqlite (modernc.org/sqlite, pure Go, no cgo). Acquisition
// is atomic via a unique constraint on (trade_date, slot) in the
// active_slots table: the INSERT either succeeds — this process now owns
// the slot for today — or fails with a constraint violation, meaning
// another process already holds it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"macro-sleeve-engine/internal/errs"
	"macro-sleeve-engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	trade_date    TEXT NOT NULL,
	slot          TEXT NOT NULL,
	stage         TEXT NOT NULL,
	fencing_token TEXT NOT NULL,
	inputs_hash   TEXT NOT NULL DEFAULT '',
	intents_hash  TEXT NOT NULL DEFAULT '',
	failure_error TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS active_slots (
	trade_date TEXT NOT NULL,
	slot       TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	PRIMARY KEY (trade_date, slot)
);

CREATE TABLE IF NOT EXISTS run_intents (
	run_id        TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	instrument_id TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      REAL NOT NULL,
	sleeve        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	urgency       TEXT NOT NULL DEFAULT '',
	pair_group    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS run_tickets (
	run_id     TEXT NOT NULL,
	intent_key TEXT NOT NULL,
	ticket_id  TEXT NOT NULL,
	broker_id  TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	outcome    TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, intent_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_slot ON runs(trade_date, slot);
`

// AcquireOutcome is the result of TryAcquire.
type AcquireOutcome int

const (
	// Acquired means this call now owns the slot; proceed with a fresh run.
	Acquired AcquireOutcome = iota
	// Busy means another run already holds the slot.
	Busy
	// AlreadyDone means the slot's run for today already reached COMPLETE.
	AlreadyDone
)

// Ledger persists TradingRun state to sqlite.
type Ledger struct {
	db           *sql.DB
	fencingToken string
}

// Open creates or attaches to the ledger database at path and applies the
// schema. fencingToken identifies this deployment (not this OS process) —
// see ResumeOrStart's doc comment for why.
func Open(path, fencingToken string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, "ledger", "open sqlite database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Configuration, "ledger", "apply schema", err)
	}

	return &Ledger{db: db, fencingToken: fencingToken}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// TryAcquire attempts to claim (tradeDate, slot) for a new run. It is
// atomic: the active_slots row and the runs row are inserted in the same
// transaction, so a concurrent caller's INSERT either wins outright or
// fails the unique-constraint check and observes Busy.
func (l *Ledger) TryAcquire(ctx context.Context, tradeDate, slot string) (types.TradingRun, AcquireOutcome, error) {
	done, err := l.slotAlreadyComplete(ctx, tradeDate, slot)
	if err != nil {
		return types.TradingRun{}, Busy, err
	}
	if done {
		return types.TradingRun{}, AlreadyDone, nil
	}

	now := time.Now().UTC()
	run := types.TradingRun{
		RunID:        uuid.NewString(),
		TradeDate:    tradeDate,
		Slot:         slot,
		Stage:        types.StageAcquired,
		FencingToken: l.fencingToken,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.TradingRun{}, Busy, errs.Wrap(errs.Connectivity, "ledger", "begin acquire tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO active_slots (trade_date, slot, run_id) VALUES (?, ?, ?)`,
		tradeDate, slot, run.RunID,
	); err != nil {
		return types.TradingRun{}, Busy, nil // unique constraint violation: someone else holds it
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, trade_date, slot, stage, fencing_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.TradeDate, run.Slot, run.Stage, run.FencingToken, run.CreatedAt, run.UpdatedAt,
	); err != nil {
		return types.TradingRun{}, Busy, errs.Wrap(errs.Invariant, "ledger", "insert run row", err)
	}

	if err := tx.Commit(); err != nil {
		return types.TradingRun{}, Busy, errs.Wrap(errs.Connectivity, "ledger", "commit acquire tx", err)
	}
	return run, Acquired, nil
}

func (l *Ledger) slotAlreadyComplete(ctx context.Context, tradeDate, slot string) (bool, error) {
	var stage string
	err := l.db.QueryRowContext(ctx,
		`SELECT stage FROM runs WHERE trade_date = ? AND slot = ? ORDER BY created_at DESC LIMIT 1`,
		tradeDate, slot,
	).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.Connectivity, "ledger", "query latest run for slot", err)
	}
	return stage == string(types.StageComplete), nil
}

// ResumeOrStart resolves the run to use for (tradeDate, slot): if a
// non-terminal run already exists bearing this deployment's fencing token,
// it is returned for resumption (the returned bool tells the caller whether
// it reached INTENTS_COMPUTED or SUBMITTED and should replay rather than
// recompute). Otherwise it calls TryAcquire to start fresh.
//
// The fencing token is derived from deployment identity (host + configured
// broker client id), not the OS process id: a literal pid can never match
// across a crash-restart, which would make resumption impossible in
// exactly the case it exists for. Tying it to the deployment instead means
// the same host/config resumes its own interrupted run, while a different
// host (e.g. a failover) never mistakes somebody else's in-flight run for
// its own.
func (l *Ledger) ResumeOrStart(ctx context.Context, tradeDate, slot string) (types.TradingRun, bool, AcquireOutcome, error) {
	run, found, err := l.findResumable(ctx, tradeDate, slot)
	if err != nil {
		return types.TradingRun{}, false, Busy, err
	}
	if found {
		resumable := run.Stage == types.StageIntentsComputed || run.Stage == types.StageSubmitted
		return run, resumable, Acquired, nil
	}

	acquired, outcome, err := l.TryAcquire(ctx, tradeDate, slot)
	return acquired, false, outcome, err
}

func (l *Ledger) findResumable(ctx context.Context, tradeDate, slot string) (types.TradingRun, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, stage, fencing_token, inputs_hash, intents_hash, failure_error, created_at, updated_at
		 FROM runs WHERE trade_date = ? AND slot = ? AND fencing_token = ?
		   AND stage NOT IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		tradeDate, slot, l.fencingToken,
		types.StageComplete, types.StageFailed, types.StageRejected,
	)

	var run types.TradingRun
	var stage string
	err := row.Scan(&run.RunID, &stage, &run.FencingToken, &run.InputsHash, &run.IntentsHash,
		&run.FailureError, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TradingRun{}, false, nil
	}
	if err != nil {
		return types.TradingRun{}, false, errs.Wrap(errs.Connectivity, "ledger", "query resumable run", err)
	}
	run.TradeDate, run.Slot, run.Stage = tradeDate, slot, types.RunStage(stage)
	return run, true, nil
}

// RecordInputs advances a run to INPUTS_COMPUTED with the given fingerprint.
func (l *Ledger) RecordInputs(ctx context.Context, runID, inputsHash string) error {
	return l.advance(ctx, runID, types.StageInputsComputed, map[string]any{"inputs_hash": inputsHash})
}

// RecordIntents advances a run to INTENTS_COMPUTED and persists the
// canonically-ordered intent set so a crash after this point can replay
// them without recomputing sizing/allocation from scratch.
func (l *Ledger) RecordIntents(ctx context.Context, runID, intentsHash string, intents []types.OrderIntent) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Connectivity, "ledger", "begin record-intents tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_intents WHERE run_id = ?`, runID); err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "clear prior intents", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_intents (run_id, seq, instrument_id, side, quantity, sleeve, reason, urgency, pair_group)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "prepare intent insert", err)
	}
	defer stmt.Close()
	for i, in := range intents {
		if _, err := stmt.ExecContext(ctx, runID, i, in.InstrumentID, in.Side, in.Quantity, in.Sleeve,
			in.Reason, in.Urgency, in.PairGroup); err != nil {
			return errs.Wrap(errs.Invariant, "ledger", "insert intent row", err)
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET stage = ?, intents_hash = ?, updated_at = ? WHERE run_id = ?`,
		types.StageIntentsComputed, intentsHash, now, runID,
	); err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "advance stage to intents_computed", err)
	}
	return tx.Commit()
}

// LoadIntents returns the persisted intent set for a run, in canonical
// (seq) order, for replay during resumption.
func (l *Ledger) LoadIntents(ctx context.Context, runID string) ([]types.OrderIntent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT instrument_id, side, quantity, sleeve, reason, urgency, pair_group
		 FROM run_intents WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, errs.Wrap(errs.Connectivity, "ledger", "query run intents", err)
	}
	defer rows.Close()

	var out []types.OrderIntent
	for rows.Next() {
		var in types.OrderIntent
		if err := rows.Scan(&in.InstrumentID, &in.Side, &in.Quantity, &in.Sleeve,
			&in.Reason, &in.Urgency, &in.PairGroup); err != nil {
			return nil, errs.Wrap(errs.Invariant, "ledger", "scan run intent row", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// RecordSubmission marks a ticket as submitted to the broker.
func (l *Ledger) RecordSubmission(ctx context.Context, runID, intentKey, ticketID, brokerID string) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_tickets (run_id, intent_key, ticket_id, broker_id, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, intent_key) DO UPDATE SET
		   ticket_id = excluded.ticket_id, broker_id = excluded.broker_id,
		   status = excluded.status, updated_at = excluded.updated_at`,
		runID, intentKey, ticketID, brokerID, string(types.StateSubmitted), now,
	)
	if err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "record submission", err)
	}
	return l.advance(ctx, runID, types.StageSubmitted, nil)
}

// RecordTerminal records a ticket's terminal outcome (FILLED, CANCELLED,
// REJECTED, EXPIRED). Idempotent submission consults this before
// resubmitting a ticket on resume: a terminal outcome here means "replay
// this result, do not hit the broker again."
func (l *Ledger) RecordTerminal(ctx context.Context, runID, intentKey, outcome string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE run_tickets SET outcome = ?, updated_at = ? WHERE run_id = ? AND intent_key = ?`,
		outcome, time.Now().UTC(), runID, intentKey,
	)
	if err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "record terminal outcome", err)
	}
	return nil
}

// TicketOutcome returns the recorded terminal outcome for (run, intentKey),
// if any, along with whether a row exists at all.
func (l *Ledger) TicketOutcome(ctx context.Context, runID, intentKey string) (outcome string, recorded bool, err error) {
	err = l.db.QueryRowContext(ctx,
		`SELECT outcome FROM run_tickets WHERE run_id = ? AND intent_key = ?`,
		runID, intentKey,
	).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.Connectivity, "ledger", "query ticket outcome", err)
	}
	return outcome, outcome != "", nil
}

// Complete marks a run COMPLETE and releases its active_slots claim.
func (l *Ledger) Complete(ctx context.Context, runID string) error {
	return l.finish(ctx, runID, types.StageComplete, "")
}

// Fail marks a run FAILED with the given error and releases its claim.
// A failed run can be re-run: the next try_acquire for the same
// (trade_date, slot) is free to proceed.
func (l *Ledger) Fail(ctx context.Context, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.finish(ctx, runID, types.StageFailed, msg)
}

// Reject marks a run REJECTED (e.g. a hard kill-switch vetoed the whole
// cycle before any submission) and releases its claim.
func (l *Ledger) Reject(ctx context.Context, runID, reason string) error {
	return l.finish(ctx, runID, types.StageRejected, reason)
}

func (l *Ledger) finish(ctx context.Context, runID string, stage types.RunStage, failureMsg string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Connectivity, "ledger", "begin finish tx", err)
	}
	defer tx.Rollback()

	var tradeDate, slot string
	if err := tx.QueryRowContext(ctx, `SELECT trade_date, slot FROM runs WHERE run_id = ?`, runID).
		Scan(&tradeDate, &slot); err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "look up run for finish", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET stage = ?, failure_error = ?, updated_at = ? WHERE run_id = ?`,
		stage, failureMsg, time.Now().UTC(), runID,
	); err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "advance to terminal stage", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM active_slots WHERE trade_date = ? AND slot = ? AND run_id = ?`,
		tradeDate, slot, runID,
	); err != nil {
		return errs.Wrap(errs.Invariant, "ledger", "release slot claim", err)
	}
	return tx.Commit()
}

func (l *Ledger) advance(ctx context.Context, runID string, stage types.RunStage, extra map[string]any) error {
	setCols := "stage = ?, updated_at = ?"
	args := []any{stage, time.Now().UTC()}
	for col, val := range extra {
		setCols += fmt.Sprintf(", %s = ?", col)
		args = append(args, val)
	}
	args = append(args, runID)

	_, err := l.db.ExecContext(ctx, "UPDATE runs SET "+setCols+" WHERE run_id = ?", args...)
	if err != nil {
		return errs.Wrap(errs.Invariant, "ledger", fmt.Sprintf("advance stage to %s", stage), err)
	}
	return nil
}

// IntentKey builds the canonical idempotency key for an intent: identical
// intents (same instrument, side, quantity, sleeve) recomputed across a
// restart produce the same key, so ledger lookups find the prior outcome.
func IntentKey(in types.OrderIntent) string {
	return fmt.Sprintf("%s|%s|%.8f|%s", in.InstrumentID, in.Side, in.Quantity, in.Sleeve)
}
