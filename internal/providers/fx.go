package providers

import (
	"github.com/smallbiznis/arbiter/internal/providers/email"
	"github.com/smallbiznis/arbiter/internal/providers/llm"
	"github.com/smallbiznis/arbiter/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	llm.Module,
	pdf.Module,
)
