// Package notification tells dispute parties about state changes. Delivery is
// best effort and never blocks or fails the operation that triggered it.
package notification

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/smallbiznis/arbiter/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	templateDisputeUpdate = "dispute_update"
	defaultSendTimeout    = 30 * time.Second
)

// Notice is one message to the parties of a dispute.
type Notice struct {
	DisputeID  string
	BookingID  string
	Phase      string
	Subject    string
	Headline   string
	Body       string
	Deadline   *time.Time
	Recipients []string
}

type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

var Module = fx.Module("notification",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Email     email.Provider
	Log       *zap.Logger
}

type EmailNotifier struct {
	email   email.Provider
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(p Params) Notifier {
	n := NewEmailNotifier(p.Email, p.Log)
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return n.Wait(ctx)
			},
		})
	}
	return n
}

func NewEmailNotifier(provider email.Provider, log *zap.Logger) *EmailNotifier {
	if provider == nil {
		provider = &email.NoOpProvider{}
	}
	return &EmailNotifier{
		email:   provider,
		log:     log.Named("notification"),
		timeout: defaultSendTimeout,
	}
}

// Notify sends in the background. The caller's cancellation does not abort delivery.
func (n *EmailNotifier) Notify(ctx context.Context, notice Notice) {
	recipients := make([]string, 0, len(notice.Recipients))
	for _, r := range notice.Recipients {
		if r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return
	}

	n.safeGo(context.WithoutCancel(ctx), func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		data := map[string]any{
			"subject":    notice.Subject,
			"headline":   notice.Headline,
			"body":       notice.Body,
			"dispute_id": notice.DisputeID,
			"booking_id": notice.BookingID,
			"phase":      notice.Phase,
		}
		if notice.Deadline != nil {
			data["deadline"] = notice.Deadline.UTC().Format(time.RFC1123)
		}
		if err := n.email.SendTemplate(ctx, recipients, templateDisputeUpdate, data); err != nil {
			n.log.Warn("notification delivery failed",
				zap.String("dispute_id", notice.DisputeID),
				zap.String("subject", notice.Subject),
				zap.Error(err),
			)
		}
	})
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (n *EmailNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) safeGo(ctx context.Context, fn func(context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.Error("panic in notification goroutine",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		fn(ctx)
	}()
}

// Nop discards notices.
type Nop struct{}

func (Nop) Notify(context.Context, Notice) {}
