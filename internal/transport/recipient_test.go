package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/domain"
)

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind domain.TransportKind
		in   string
		want string
	}{
		{domain.KindWhatsApp, "8 (912) 345-67-89", "79123456789@c.us"},
		{domain.KindWhatsApp, "+7 912 345 67 89", "79123456789@c.us"},
		{domain.KindTelegramUser, "@alice", "@alice"},
		{domain.KindTelegramUser, "+7 912 345-67-89", "+79123456789"},
		{domain.KindTelegramUser, "alice", "@alice"},
		{domain.KindTelegramBot, "-100123", "-100123"},
		{domain.KindTelegramBot, "channel", "@channel"},
		{domain.KindDryRun, "  anything ", "anything"},
	}
	for _, tc := range tests {
		got, err := NormalizeRecipient(tc.kind, tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := NormalizeRecipient(domain.KindWhatsApp, "abc")
	assert.ErrorIs(t, err, domain.ErrSendRejected)
	_, err = NormalizeRecipient(domain.KindDryRun, " ")
	assert.Equal(t, ClassRejected, Classify(err))
}
