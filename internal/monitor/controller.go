// Package monitor implements the monitor controller: an FSM that
// alternates between a one-time bootstrap crawl and steady-state
// incremental changelog replay, feeding a download queue and an analysis
// queue that the worker package drains.
package monitor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/blob"
	"github.com/pyreposcan/pyreposcan/internal/monitor/queue"
	"github.com/pyreposcan/pyreposcan/internal/registry"
	"github.com/pyreposcan/pyreposcan/internal/scanner"
	"github.com/pyreposcan/pyreposcan/internal/store"
	"github.com/pyreposcan/pyreposcan/pkg/ctxlock"
)

// stateFunc implements the logic of one FSM state and maps directly to a
// State; returning an error transitions to ControllerError rather than
// halting the controller outright, since a single bad tick must not stop
// monitoring.
type stateFunc func(context.Context, *Controller) (State, error)

var stateToStateFunc = map[State]stateFunc{
	Bootstrap:       stateBootstrap,
	Incremental:     stateIncremental,
	Sleep:           stateSleep,
	ControllerError: stateControllerError,
}

// Config holds the monitor's runtime parameters, mirroring the CLI's
// `monitor` subcommand flags.
type Config struct {
	Interval            time.Duration
	AnalyzeThreshold    int    // -1 disables analysis entirely
	FileType            string // "tgz", "whl", or "*"
	LevenshteinDistance int
	Cover               bool
}

// Controller is the FSM control structure for one monitor run.
type Controller struct {
	Store    store.Store
	Registry *registry.Client
	Blob     *blob.Store
	Scanner  *scanner.Scanner // nil when Config.AnalyzeThreshold == -1
	Lock     *ctxlock.Locker  // nil disables the single-node advisory lock

	DownloadQueue *queue.Queue
	AnalysisQueue *queue.Queue

	Config Config
	Log    zerolog.Logger

	sm           sync.RWMutex
	currentState State
	err          error

	popular       store.PopularitySnapshot
	popularLoaded bool
}

// New constructs a Controller. The download and analysis queues are created
// fresh; callers start the worker goroutines that drain them separately
// (see internal/monitor/worker).
func New(st store.Store, reg *registry.Client, bl *blob.Store, sc *scanner.Scanner, lock *ctxlock.Locker, cfg Config, log zerolog.Logger) *Controller {
	return &Controller{
		Store:         st,
		Registry:      reg,
		Blob:          bl,
		Scanner:       sc,
		Lock:          lock,
		DownloadQueue: queue.New(),
		AnalysisQueue: queue.New(),
		Config:        cfg,
		Log:           log,
	}
}

// Run executes the FSM loop until ctx is canceled. The starting state is
// decided by whether a local_serial has already been committed.
func (c *Controller) Run(ctx context.Context) {
	log := c.Log.With().Str("component", "monitor.Controller.Run").Logger()
	ctx = log.WithContext(ctx)

	_, ok, err := c.Store.LocalSerial(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reading local serial at startup")
		c.setState(ControllerError)
		c.err = err
	} else if ok {
		c.setState(Incremental)
	} else {
		c.setState(Bootstrap)
	}

	log.Info().Str("state", c.getState().String()).Msg("starting monitor")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("monitor stopping")
			c.DownloadQueue.Close()
			c.AnalysisQueue.Close()
			return
		default:
		}

		fn, ok := stateToStateFunc[c.getState()]
		if !ok {
			log.Info().Msg("monitor reached terminal state")
			return
		}
		next, err := fn(ctx, c)
		if err != nil {
			c.err = err
			log.Error().Err(err).Str("state", c.getState().String()).Msg("tick failed")
			c.setState(ControllerError)
			continue
		}
		c.setState(next)
	}
}

func (c *Controller) setState(s State) {
	c.sm.Lock()
	c.currentState = s
	c.sm.Unlock()
}

func (c *Controller) getState() State {
	c.sm.RLock()
	defer c.sm.RUnlock()
	return c.currentState
}

// withLock runs fn while holding the "pypi-monitor" advisory lock, if a
// Lock was configured, so two controller instances pointed at the same
// store never race on local_serial.
func (c *Controller) withLock(ctx context.Context, fn func(context.Context) error) error {
	if c.Lock == nil {
		return fn(ctx)
	}
	unlock, err := c.Lock.Lock(ctx, "pypi-monitor")
	if err != nil {
		return err
	}
	defer unlock(ctx)
	return fn(ctx)
}

// jitter produces a duration of at least 1 and no more than 5 seconds,
// used to smear retries after a failed tick instead of hammering the
// registry.
func jitter() time.Duration {
	return time.Duration(1+rand.Intn(5)) * time.Second
}

func stateControllerError(ctx context.Context, c *Controller) (State, error) {
	log := zerolog.Ctx(ctx)
	log.Warn().Err(c.err).Msg("backing off after failed tick")
	select {
	case <-ctx.Done():
	case <-time.After(jitter()):
	}
	_, ok, err := c.Store.LocalSerial(ctx)
	if err != nil {
		return ControllerError, nil
	}
	if ok {
		return Incremental, nil
	}
	return Bootstrap, nil
}

func stateSleep(ctx context.Context, c *Controller) (State, error) {
	log := zerolog.Ctx(ctx)
	if err := c.refreshPopularityIfStale(ctx); err != nil {
		log.Warn().Err(err).Msg("refreshing popularity snapshot failed")
	}

	select {
	case <-ctx.Done():
	case <-time.After(c.Config.Interval):
	}

	_, ok, err := c.Store.LocalSerial(ctx)
	if err != nil {
		return Sleep, err
	}
	if ok {
		return Incremental, nil
	}
	return Bootstrap, nil
}
