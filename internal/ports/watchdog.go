package ports

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ConnState mirrors the reconnect watchdog's visible state machine:
// CONNECTED -> DEGRADED -> RECONNECTING -> CONNECTED. It MUST NOT mutate
// portfolio state; it only signals the main loop via this flag.
type ConnState string

const (
	ConnConnected    ConnState = "CONNECTED"
	ConnDegraded     ConnState = "DEGRADED"
	ConnReconnecting ConnState = "RECONNECTING"
)

// Pinger is the thin health-check the watchdog drives on a cadence; it is
// whatever the concrete broker adapter provides (a heartbeat RPC, a
// websocket ping, etc).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watchdog runs a cooperative heartbeat against a Pinger, translating
// gobreaker's closed/open/half-open states onto the domain's
// connected/reconnecting/degraded vocabulary. After a trip it waits a fixed
// cooldown of maxBackoff before each probe; the cooldown does not grow
// across repeated failures. gobreaker already implements trip-then-probe
// with a cooldown, so no state machine is hand-rolled here.
type Watchdog struct {
	cb       *gobreaker.CircuitBreaker
	pinger   Pinger
	interval time.Duration
	maxBackoff time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state ConnState

	stop chan struct{}
	done chan struct{}
}

// NewWatchdog builds a watchdog pinging at the given interval, tripping
// after consecutive failures and cooling down for maxBackoff before
// probing again.
func NewWatchdog(pinger Pinger, interval, maxBackoff time.Duration, consecutiveFailures uint32, logger *slog.Logger) *Watchdog {
	w := &Watchdog{
		pinger:     pinger,
		interval:   interval,
		maxBackoff: maxBackoff,
		logger:     logger.With("component", "ports.watchdog"),
		state:      ConnConnected,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker_connection",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     maxBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.onBreakerStateChange(to)
		},
	})

	return w
}

func (w *Watchdog) onBreakerStateChange(to gobreaker.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch to {
	case gobreaker.StateClosed:
		w.state = ConnConnected
	case gobreaker.StateOpen:
		w.state = ConnDegraded
	case gobreaker.StateHalfOpen:
		w.state = ConnReconnecting
	}
	w.logger.Info("connection state changed", "state", w.state)
}

// State returns the watchdog's current connection state.
func (w *Watchdog) State() ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run pings on the configured cadence until ctx is canceled or Stop is
// called. Intended to run as its own goroutine, separate from the main
// loop it only signals.
func (w *Watchdog) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			_, _ = w.cb.Execute(func() (interface{}, error) {
				pingCtx, cancel := context.WithTimeout(ctx, w.interval)
				defer cancel()
				return nil, w.pinger.Ping(pingCtx)
			})
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}
