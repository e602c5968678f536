package notify

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
)

func newTestSink(mock *store.Mock) *StoreSink {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewStoreSink(mock, l)
}

func TestSendPersistsNotification(t *testing.T) {
	mock := store.NewMock()
	sink := newTestSink(mock)

	sink.Send("u1", models.NotifyTradeSuccess, "Trade executed", "Opened BTCUSDT long", map[string]string{
		"venue": "aster", "symbol": "BTCUSDT",
	})
	sink.Close()

	notes := mock.NotesOfType(models.NotifyTradeSuccess)
	require.Len(t, notes, 1)
	assert.Equal(t, "u1", notes[0].User)
	assert.Equal(t, "aster", notes[0].Metadata["venue"])
	assert.NotEmpty(t, notes[0].ID)
	assert.WithinDuration(t, time.Now().UTC(), notes[0].SentAt, time.Minute)
}

func TestMutedEventTypeIsDropped(t *testing.T) {
	mock := store.NewMock()
	mock.Prefs["u1"] = &models.NotificationPreferences{
		User:    "u1",
		Enabled: map[models.NotificationType]bool{models.NotifyTradeSuccess: false},
	}
	sink := newTestSink(mock)

	sink.Send("u1", models.NotifyTradeSuccess, "Trade executed", "muted", nil)
	sink.Send("u1", models.NotifyRiskLimit, "Weekly cap hit", "still on", nil)
	sink.Close()

	assert.Empty(t, mock.NotesOfType(models.NotifyTradeSuccess))
	assert.Len(t, mock.NotesOfType(models.NotifyRiskLimit), 1)
}

func TestCloseDrainsQueue(t *testing.T) {
	mock := store.NewMock()
	sink := newTestSink(mock)

	for i := 0; i < 20; i++ {
		sink.Send("u1", models.NotifyClosedProfit, "Closed", "green", nil)
	}
	sink.Close()

	assert.Len(t, mock.NotesOfType(models.NotifyClosedProfit), 20)
}
