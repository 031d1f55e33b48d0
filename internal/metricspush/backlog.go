package metricspush

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Backlog exposes how much work is waiting for the sweeper.
type Backlog struct {
	openByPhase        *prometheus.GaugeVec
	pendingSettlements prometheus.Gauge
}

func NewBacklog(reg prometheus.Registerer) *Backlog {
	b := &Backlog{
		openByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_open_disputes",
			Help: "Open disputes by current phase.",
		}, []string{"phase"}),
		pendingSettlements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_pending_settlements",
			Help: "Settlements whose escrow legs have not all been confirmed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.openByPhase, b.pendingSettlements)
	}
	return b
}

func (b *Backlog) Refresh(ctx context.Context, db *gorm.DB) error {
	if b == nil || db == nil {
		return nil
	}
	var rows []struct {
		Phase string
		Total int64
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT p.current_phase AS phase, COUNT(*) AS total
		FROM dispute_phases p
		JOIN disputes d ON d.id = p.dispute_id
		WHERE d.status = 'open'
		GROUP BY p.current_phase`,
	).Scan(&rows).Error; err != nil {
		return err
	}
	b.openByPhase.Reset()
	for _, row := range rows {
		b.openByPhase.WithLabelValues(row.Phase).Set(float64(row.Total))
	}

	var pending int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM dispute_settlements WHERE status = 'pending'`,
	).Scan(&pending).Error; err != nil {
		return err
	}
	b.pendingSettlements.Set(float64(pending))
	return nil
}
