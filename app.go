package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"startonce/election"
)

// Well-known names of the shared objects, scoped by the backend to the
// cluster name and by objectName to the run id.
const (
	startLockName = "startLock"
	startFlagName = "isStarted"
	barrierName   = "clusterStartCountDown"
)

type phase string

const (
	phaseStarting   phase = "starting"
	phaseBarrier    phase = "waiting_for_cluster"
	phaseActivating phase = "activating"
	phaseWorking    phase = "working"
	phaseDone       phase = "done"
	phaseFailed     phase = "failed"
)

// App is one instance taking part in the once-only start.
type App struct {
	conf      config
	substrate election.Substrate
	logger    *zap.Logger
	metrics   *metrics

	// signalWeAreStarted is the one-time action. Tests replace it.
	signalWeAreStarted func(ctx context.Context) error

	mu       sync.Mutex
	phase    phase
	outcome  election.Outcome
	observed int
}

func newApp(conf config, substrate election.Substrate, logger *zap.Logger, m *metrics) *App {
	app := &App{
		conf:      conf,
		substrate: substrate,
		logger:    logger,
		metrics:   m,
		phase:     phaseStarting,
	}
	app.signalWeAreStarted = func(context.Context) error {
		app.logger.Info("We are started!")
		return nil
	}
	return app
}

// Run waits for the cluster if configured, takes part in the election
// and then works for conf.sleep. A cancelled ctx during any wait is
// returned as an error wrapping election.ErrInterrupted.
func (a *App) Run(ctx context.Context) error {
	err := a.run(ctx)
	if err != nil {
		a.setPhase(phaseFailed)
		return err
	}
	a.setPhase(phaseDone)
	return nil
}

func (a *App) run(ctx context.Context) error {
	if a.conf.waitToBecomeActive {
		a.logger.Debug("Waiting for the cluster to become active...")
		a.setPhase(phaseBarrier)

		start := time.Now()
		observed, err := election.AwaitClusterActive(ctx, a.substrate.Barrier(a.objectName(barrierName)), a.conf.clusterSize, a.conf.waitTimeout, a.logger)
		a.metrics.barrierWait.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("failed waiting for cluster to become active: %w", err)
		}
		a.metrics.barrierObserved.Set(float64(observed))

		a.mu.Lock()
		a.observed = observed
		a.mu.Unlock()
	}

	a.logger.Debug("Starting instance")
	a.setPhase(phaseActivating)

	activator := &election.Activator{
		Lock:      a.substrate.Lock(a.objectName(startLockName)),
		Flag:      a.substrate.Flag(a.objectName(startFlagName)),
		LockWait:  a.conf.lockWait,
		LockLease: a.conf.lockLease,
		Mode:      a.conf.lockMode,
		Logger:    a.logger,
	}

	start := time.Now()
	outcome, err := activator.ActivateOnce(ctx, a.signalWeAreStarted)
	a.metrics.activationDuration.Observe(time.Since(start).Seconds())
	if outcome != "" {
		a.metrics.outcomes.WithLabelValues(string(outcome)).Inc()
		a.mu.Lock()
		a.outcome = outcome
		a.mu.Unlock()
	}
	if err != nil {
		if !errors.Is(err, election.ErrLockNotAcquired) {
			return fmt.Errorf("failed to start: %w", err)
		}
		a.logger.Warn("Election skipped", zap.Error(err))
	}
	a.logger.Debug("Election finished", zap.String("outcome", string(outcome)))

	// Sleeping as if we are doing some important work
	a.setPhase(phaseWorking)
	timer := time.NewTimer(a.conf.sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w on application start: %w", election.ErrInterrupted, ctx.Err())
	case <-timer.C:
	}

	return nil
}

// objectName puts name under the run id. Objects of different runs never
// meet, so a new run id elects again without a reset.
func (a *App) objectName(name string) string {
	if a.conf.runID == "" {
		return name
	}
	return a.conf.runID + "/" + name
}

func (a *App) setPhase(p phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

// Outcome returns the election outcome, or "" if the election has not
// finished.
func (a *App) Outcome() election.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

type instanceStatus struct {
	Node            string `json:"node"`
	Cluster         string `json:"cluster"`
	RunID           string `json:"run_id,omitempty"`
	Backend         string `json:"backend"`
	Phase           string `json:"phase"`
	Outcome         string `json:"outcome,omitempty"`
	BarrierObserved int    `json:"barrier_observed,omitempty"`
	Members         int    `json:"members"`
	MembersError    string `json:"members_error,omitempty"`
	WaitToBeActive  bool   `json:"wait_to_become_active"`
	ClusterSize     int    `json:"cluster_size"`
	LockMode        string `json:"lock_mode"`
}

func (a *App) status(ctx context.Context) instanceStatus {
	a.mu.Lock()
	status := instanceStatus{
		Node:            a.conf.nodeName,
		Cluster:         a.conf.clusterName,
		RunID:           a.conf.runID,
		Backend:         a.conf.backend,
		Phase:           string(a.phase),
		Outcome:         string(a.outcome),
		BarrierObserved: a.observed,
		WaitToBeActive:  a.conf.waitToBecomeActive,
		ClusterSize:     a.conf.clusterSize,
		LockMode:        string(a.conf.lockMode),
	}
	a.mu.Unlock()

	members, err := a.substrate.Members(ctx)
	if err != nil {
		status.MembersError = err.Error()
	}
	status.Members = members
	return status
}
