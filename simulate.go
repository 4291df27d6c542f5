package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"startonce/election"
)

// simulate runs conf.instances instances concurrently against one
// in-memory cluster and returns how many of them activated. configure,
// if not nil, is called on every App before it runs.
func simulate(ctx context.Context, conf config, logger *zap.Logger, m *metrics, configure func(*App)) (int, error) {
	cluster := election.NewMemoryCluster()
	substrates := make([]election.Substrate, conf.instances)
	for i := range substrates {
		substrates[i] = cluster.Join(fmt.Sprintf("%s-%d", conf.nodeName, i))
	}
	// Members stay registered until every instance is done, so a late
	// activation still sees the whole cluster.
	defer func() {
		for _, s := range substrates {
			s.Close()
		}
	}()

	logger.Info("Simulating cluster", zap.Int("instances", conf.instances))

	var activated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, substrate := range substrates {
		instanceConf := conf
		instanceConf.nodeName = fmt.Sprintf("%s-%d", conf.nodeName, i)
		app := newApp(instanceConf, substrate, logger.With(zap.String("instance", instanceConf.nodeName)), m)
		if configure != nil {
			configure(app)
		}

		g.Go(func() error {
			if err := app.Run(gctx); err != nil {
				return fmt.Errorf("instance %s: %w", instanceConf.nodeName, err)
			}
			if app.Outcome() == election.OutcomeActivated {
				activated.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(activated.Load()), err
	}

	n := int(activated.Load())
	logger.Info("Simulation finished", zap.Int("instances", conf.instances), zap.Int("activated", n))
	return n, nil
}
