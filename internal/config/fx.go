package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewDisputePolicyHolder),
	fx.Provide(func(h *DisputePolicyHolder) PolicySource { return h }),
)
