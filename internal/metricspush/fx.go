package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/arbiter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pushInterval = time.Minute

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Provide(func() *Backlog { return NewBacklog(prometheus.DefaultRegisterer) }),
	fx.Invoke(Register),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	Pusher    Pusher   `optional:"true"`
	Backlog   *Backlog `optional:"true"`
}

// Register starts the push loop when a pusher is configured.
func Register(p Params) {
	if p.Pusher == nil {
		return
	}
	log := p.Log.Named("metrics.push")
	w := &worker{
		pusher:   p.Pusher,
		gatherer: prometheus.DefaultGatherer,
		backlog:  p.Backlog,
		db:       p.DB,
		log:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting metrics push worker", zap.String("exporter", p.Config.MetricsPush.Exporter))
			go func() {
				defer close(done)
				w.loop(ctx, pushInterval)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			// last push so the final sweep is not lost
			flushCtx, flushCancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
			defer flushCancel()
			w.pushOnce(flushCtx)
			return nil
		},
	})
}

type worker struct {
	pusher   Pusher
	gatherer prometheus.Gatherer
	backlog  *Backlog
	db       *gorm.DB
	log      *zap.Logger
}

func (w *worker) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.pushOnce(ctx)
	for {
		select {
		case <-ticker.C:
			w.pushOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) pushOnce(ctx context.Context) {
	if err := w.backlog.Refresh(ctx, w.db); err != nil {
		w.log.Warn("backlog refresh failed", zap.Error(err))
	}
	if err := w.pusher.Push(ctx, w.gatherer); err != nil {
		w.log.Warn("metrics push failed", zap.Error(err))
	}
}
