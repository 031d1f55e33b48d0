package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingEmail struct {
	mu    sync.Mutex
	sent  []map[string]any
	to    [][]string
	err   error
	panic bool
}

func (r *recordingEmail) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (r *recordingEmail) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	if r.panic {
		panic("smtp exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
	r.to = append(r.to, to)
	return r.err
}

func TestNotifyDeliversInBackground(t *testing.T) {
	provider := &recordingEmail{}
	n := NewEmailNotifier(provider, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	deadline := time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC)
	n.Notify(ctx, Notice{
		DisputeID:  "1",
		BookingID:  "bk",
		Phase:      "phase_2",
		Subject:    "Dispute escalated",
		Headline:   "Options are being prepared",
		Deadline:   &deadline,
		Recipients: []string{"c@example.com", "", "v@example.com"},
	})
	cancel()

	waitCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, n.Wait(waitCtx))

	require.Len(t, provider.sent, 1)
	assert.Equal(t, []string{"c@example.com", "v@example.com"}, provider.to[0])
	assert.Equal(t, "phase_2", provider.sent[0]["phase"])
	assert.Contains(t, provider.sent[0]["deadline"], "02 May 2025")
}

func TestNotifySkipsWithoutRecipients(t *testing.T) {
	provider := &recordingEmail{}
	n := NewEmailNotifier(provider, zap.NewNop())
	n.Notify(context.Background(), Notice{DisputeID: "1", Recipients: []string{""}})
	require.NoError(t, n.Wait(context.Background()))
	assert.Empty(t, provider.sent)
}

func TestNotifySurvivesFailuresAndPanics(t *testing.T) {
	n := NewEmailNotifier(&recordingEmail{err: errors.New("smtp down")}, zap.NewNop())
	n.Notify(context.Background(), Notice{DisputeID: "1", Recipients: []string{"a@example.com"}})
	require.NoError(t, n.Wait(context.Background()))

	p := NewEmailNotifier(&recordingEmail{panic: true}, zap.NewNop())
	p.Notify(context.Background(), Notice{DisputeID: "1", Recipients: []string{"a@example.com"}})
	require.NoError(t, p.Wait(context.Background()))
}
