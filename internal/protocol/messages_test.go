package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/livesession/internal/domain"
)

func TestChannelKeyRoundTrip(t *testing.T) {
	key := ChannelKey("s1", domain.ResourceControl)
	assert.Equal(t, "session/s1/control", key)

	id, res, err := ParseChannel(key)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.Equal(t, domain.ResourceControl, res)
}

func TestParseChannelRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "session//files", "session/s1/invoices", "room/s1/files", "session/s1/files/x"} {
		_, _, err := ParseChannel(key)
		assert.Error(t, err, key)
	}
}
