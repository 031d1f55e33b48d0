package adapters

import (
	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/config"
	"github.com/smallbiznis/arbiter/internal/escrow"
	"github.com/smallbiznis/arbiter/internal/escrow/adapters/ledger"
	"github.com/smallbiznis/arbiter/internal/escrow/adapters/stripe"
	ledgerdomain "github.com/smallbiznis/arbiter/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("escrow.adapters",
	fx.Provide(func(ledgerSvc ledgerdomain.Service, clk clock.Clock) *Registry {
		return NewRegistry(
			ledger.NewFactory(ledgerSvc, clk),
			stripe.NewFactory(nil),
		)
	}),
	fx.Provide(NewGateway),
)

// NewGateway resolves the configured escrow provider.
func NewGateway(cfg config.Config, registry *Registry, log *zap.Logger) (escrow.Gateway, error) {
	gw, err := registry.NewGateway(cfg.Escrow.Gateway, escrow.AdapterConfig{
		StripeSecretKey: cfg.Escrow.StripeSecretKey,
		PlatformAccount: cfg.Escrow.PlatformAccount,
	})
	if err != nil {
		return nil, err
	}
	log.Named("escrow").Info("escrow gateway ready", zap.String("provider", gw.Provider()))
	return gw, nil
}
