package pdf

import (
	"context"
	"io"

	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)

// Provider renders documents handed to dispute parties.
type Provider interface {
	GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error)
}
