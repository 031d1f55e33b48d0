package consensus

import "go.uber.org/fx"

var Module = fx.Module("consensus",
	fx.Provide(New),
)
