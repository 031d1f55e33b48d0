package llm

import (
	"net/http"

	"github.com/smallbiznis/arbiter/internal/config"
	"github.com/smallbiznis/arbiter/internal/observability/tracing"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
)

var Module = fx.Module("providers.llm",
	fx.Provide(NewPanel),
)

// NewPanel builds the policy, reasoning and context specialists, each with its own limiter.
func NewPanel(cfg config.Config) Panel {
	build := func(role string, mc config.ModelConfig) Provider {
		var limiter *rate.Limiter
		if cfg.AI.RateLimitRPS > 0 {
			burst := cfg.AI.Burst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.AI.RateLimitRPS), burst)
		}
		httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: mc.Timeout}, "llm."+role)
		return NewClient(ClientConfig{
			Role:    role,
			BaseURL: mc.BaseURL,
			APIKey:  mc.APIKey,
			Model:   mc.Model,
			Timeout: mc.Timeout,
		}, httpClient, limiter)
	}

	return Panel{
		build(RolePolicy, cfg.AI.Policy),
		build(RoleReasoning, cfg.AI.Reasoning),
		build(RoleContext, cfg.AI.Context),
	}
}
