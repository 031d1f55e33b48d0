package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arbiter/internal/audit"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/booking"
	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/config"
	"github.com/smallbiznis/arbiter/internal/consensus"
	"github.com/smallbiznis/arbiter/internal/dispute"
	"github.com/smallbiznis/arbiter/internal/escrow/adapters"
	"github.com/smallbiznis/arbiter/internal/ledger"
	"github.com/smallbiznis/arbiter/internal/notification"
	"github.com/smallbiznis/arbiter/internal/observability"
	"github.com/smallbiznis/arbiter/internal/providers"
	"github.com/smallbiznis/arbiter/internal/ratelimit"
	"github.com/smallbiznis/arbiter/internal/server"
	"github.com/smallbiznis/arbiter/internal/settlement"
	"github.com/smallbiznis/arbiter/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Per-actor buckets; scheduler is not wired so /internal/scheduler/run answers 503.
		ratelimit.Module,

		audit.Module,
		authorization.Module,
		booking.Module,
		providers.Module,
		consensus.Module,
		ledger.Module,
		adapters.Module,
		settlement.Module,
		notification.Module,
		dispute.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
