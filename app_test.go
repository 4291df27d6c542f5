package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"startonce/election"
)

func testConfig() config {
	return config{
		command:       "run",
		backend:       backendMemory,
		clusterName:   "test",
		nodeName:      "node",
		clusterSize:   3,
		waitTimeout:   5 * time.Second,
		lockWait:      10 * time.Second,
		lockLease:     30 * time.Second,
		lockMode:      election.ModeBestEffort,
		memberTTL:     time.Minute,
		instances:     1,
		etcdEndpoints: []string{"127.0.0.1:2379"},
		logLevel:      "debug",
		logEncoding:   "console",
	}
}

func TestSimulate_ExactlyOneActivation(t *testing.T) {
	conf := testConfig()
	conf.instances = 10
	conf.sleep = time.Second

	var calls atomic.Int32
	configure := func(app *App) {
		app.signalWeAreStarted = func(context.Context) error {
			calls.Add(1)
			return nil
		}
	}

	reg := prometheus.NewRegistry()
	m := newMetrics(reg)

	start := time.Now()
	activated, err := simulate(context.Background(), conf, zaptest.NewLogger(t), m, configure)
	require.NoError(t, err)

	assert.Equal(t, 1, activated)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), conf.lockWait+conf.lockLease+time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(string(election.OutcomeActivated))))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.outcomes.WithLabelValues(string(election.OutcomeSkipped))))
}

func TestSimulate_BarrierSeesWholeCluster(t *testing.T) {
	conf := testConfig()
	conf.instances = 3
	conf.clusterSize = 3
	conf.waitToBecomeActive = true

	var (
		mu      sync.Mutex
		members []int
	)
	configure := func(app *App) {
		app.signalWeAreStarted = func(ctx context.Context) error {
			n, err := app.substrate.Members(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			members = append(members, n)
			mu.Unlock()
			return nil
		}
	}

	activated, err := simulate(context.Background(), conf, zaptest.NewLogger(t), newMetrics(prometheus.NewRegistry()), configure)
	require.NoError(t, err)

	assert.Equal(t, 1, activated)
	require.Len(t, members, 1)
	assert.GreaterOrEqual(t, members[0], 3)
}

func TestSimulate_InstanceFailureIsReturned(t *testing.T) {
	conf := testConfig()
	conf.instances = 2

	boom := errors.New("boom")
	configure := func(app *App) {
		app.signalWeAreStarted = func(context.Context) error { return boom }
	}

	_, err := simulate(context.Background(), conf, zaptest.NewLogger(t), newMetrics(prometheus.NewRegistry()), configure)
	assert.ErrorIs(t, err, boom)
}

func TestApp_InterruptedWhileWorking(t *testing.T) {
	conf := testConfig()
	conf.sleep = time.Minute

	cluster := election.NewMemoryCluster()
	app := newApp(conf, cluster.Join(conf.nodeName), zaptest.NewLogger(t), newMetrics(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := app.Run(ctx)
	assert.ErrorIs(t, err, election.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, election.OutcomeActivated, app.Outcome())
}

func TestApp_InterruptedAtBarrier(t *testing.T) {
	conf := testConfig()
	conf.waitToBecomeActive = true
	conf.waitTimeout = time.Minute

	cluster := election.NewMemoryCluster()
	app := newApp(conf, cluster.Join(conf.nodeName), zaptest.NewLogger(t), newMetrics(prometheus.NewRegistry()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := app.Run(ctx)
	assert.ErrorIs(t, err, election.ErrInterrupted)
	assert.Empty(t, app.Outcome())
}

func TestApp_BarrierTimeoutProceeds(t *testing.T) {
	conf := testConfig()
	conf.waitToBecomeActive = true
	conf.waitTimeout = 100 * time.Millisecond

	cluster := election.NewMemoryCluster()
	app := newApp(conf, cluster.Join(conf.nodeName), zaptest.NewLogger(t), newMetrics(prometheus.NewRegistry()))

	require.NoError(t, app.Run(context.Background()))
	assert.Equal(t, election.OutcomeActivated, app.Outcome())
}

func TestApp_StrictModeLockTimeoutContinues(t *testing.T) {
	conf := testConfig()
	conf.lockMode = election.ModeStrict
	conf.lockWait = 100 * time.Millisecond

	cluster := election.NewMemoryCluster()
	holder := cluster.Join("holder")
	acquired, err := holder.Lock(startLockName).TryAcquire(context.Background(), 0, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	m := newMetrics(prometheus.NewRegistry())
	app := newApp(conf, cluster.Join(conf.nodeName), zaptest.NewLogger(t), m)
	var calls atomic.Int32
	app.signalWeAreStarted = func(context.Context) error {
		calls.Add(1)
		return nil
	}

	require.NoError(t, app.Run(context.Background()))
	assert.Equal(t, election.OutcomeLockTimeout, app.Outcome())
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(string(election.OutcomeLockTimeout))))

	started, err := holder.Flag(startFlagName).Get(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
}

func TestApp_CallbackFailureLeavesFlagUnset(t *testing.T) {
	conf := testConfig()

	cluster := election.NewMemoryCluster()
	app := newApp(conf, cluster.Join(conf.nodeName), zaptest.NewLogger(t), newMetrics(prometheus.NewRegistry()))
	boom := errors.New("boom")
	app.signalWeAreStarted = func(context.Context) error { return boom }

	err := app.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, election.OutcomeFailed, app.Outcome())

	other := cluster.Join("other")
	started, err := other.Flag(startFlagName).Get(context.Background())
	require.NoError(t, err)
	assert.False(t, started)

	acquired, err := other.Lock(startLockName).TryAcquire(context.Background(), 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "lock should have been released")
}

func TestApp_RunScope(t *testing.T) {
	cluster := election.NewMemoryCluster()
	run := func(nodeName, runID string) election.Outcome {
		t.Helper()
		conf := testConfig()
		conf.nodeName = nodeName
		conf.runID = runID
		app := newApp(conf, cluster.Join(nodeName), zaptest.NewLogger(t), newMetrics(prometheus.NewRegistry()))
		require.NoError(t, app.Run(context.Background()))
		return app.Outcome()
	}

	assert.Equal(t, election.OutcomeActivated, run("a", "deploy-1"))
	assert.Equal(t, election.OutcomeSkipped, run("b", "deploy-1"))
	assert.Equal(t, election.OutcomeActivated, run("c", "deploy-2"), "expected a new run id to elect again")
	assert.Equal(t, election.OutcomeActivated, run("d", ""))
	assert.Equal(t, election.OutcomeSkipped, run("e", ""))

	started, err := cluster.Join("inspect").Flag("deploy-1/" + startFlagName).Get(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	require.NoError(t, cluster.Join("admin").Reset(context.Background()))
	assert.Equal(t, election.OutcomeActivated, run("f", "deploy-1"), "expected reset to allow a new election")
	assert.Equal(t, election.OutcomeActivated, run("g", ""))
}

func TestHealthHandler(t *testing.T) {
	conf := testConfig()
	conf.runID = "deploy-1"
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)

	cluster := election.NewMemoryCluster()
	app := newApp(conf, cluster.Join(conf.nodeName), zaptest.NewLogger(t), m)
	require.NoError(t, app.Run(context.Background()))

	handler := healthHandler(app, reg)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status instanceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "node", status.Node)
	assert.Equal(t, "test", status.Cluster)
	assert.Equal(t, string(phaseDone), status.Phase)
	assert.Equal(t, string(election.OutcomeActivated), status.Outcome)
	assert.Equal(t, 1, status.Members)
	assert.Equal(t, "deploy-1", status.RunID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `startonce_activation_outcomes_total{outcome="activated"} 1`))
}

func TestHealthHandler_FailedInstance(t *testing.T) {
	conf := testConfig()
	reg := prometheus.NewRegistry()

	cluster := election.NewMemoryCluster()
	app := newApp(conf, cluster.Join(conf.nodeName), zaptest.NewLogger(t), newMetrics(reg))
	app.signalWeAreStarted = func(context.Context) error { return errors.New("boom") }
	require.Error(t, app.Run(context.Background()))

	rec := httptest.NewRecorder()
	healthHandler(app, reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunHealthCheckServer_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runHealthCheckServer(ctx, "127.0.0.1:0", http.NotFoundHandler(), zaptest.NewLogger(t))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
