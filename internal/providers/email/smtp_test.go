package email

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendTemplateRendersAndSends(t *testing.T) {
	var gotAddr string
	var gotMsg []byte
	p := NewSMTP(Config{Host: "smtp.local", Port: 2525, From: "disputes@arbiter.local"})
	p.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		require.Nil(t, a)
		require.Equal(t, []string{"c@example.com"}, to)
		return nil
	}

	err := p.SendTemplate(context.Background(), []string{"c@example.com"}, "dispute_update", map[string]any{
		"subject":    "Dispute escalated",
		"headline":   "Options are being prepared",
		"dispute_id": "42",
		"booking_id": "bk_1",
		"body":       "Negotiation ended.",
		"phase":      "phase_2",
	})
	require.NoError(t, err)
	require.Equal(t, "smtp.local:2525", gotAddr)
	require.True(t, strings.Contains(string(gotMsg), "Subject: Dispute escalated"))
	require.True(t, strings.Contains(string(gotMsg), "Dispute <strong>42</strong>"))
}

func TestSendRequiresRecipients(t *testing.T) {
	require.Error(t, NewSMTP(Config{}).Send(context.Background(), nil, "s", "b"))
}
