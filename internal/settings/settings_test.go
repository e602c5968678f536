package settings

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
)

func newTestService(mock *store.Mock) *Service {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(mock, l)
}

func TestCacheHitWithinTTL(t *testing.T) {
	mock := store.NewMock()
	mock.Settings["u1|aster"] = &models.VenueSettings{
		User: "u1", Venue: "aster",
		Risk: models.RiskPolicy{MaxTradesPerWeek: 5},
	}
	svc := newTestService(mock)

	first := svc.Get(context.Background(), "u1", "aster")
	assert.Equal(t, 5, first.Risk.MaxTradesPerWeek)

	// A store change is not visible until the TTL passes.
	mock.Settings["u1|aster"].Risk.MaxTradesPerWeek = 9
	second := svc.Get(context.Background(), "u1", "aster")
	assert.Equal(t, 5, second.Risk.MaxTradesPerWeek)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	third := svc.Get(context.Background(), "u1", "aster")
	assert.Equal(t, 9, third.Risk.MaxTradesPerWeek)
}

func TestStoreFailureDegradesConservatively(t *testing.T) {
	mock := store.NewMock()
	mock.SettingsErr = errors.New("connection refused")
	svc := newTestService(mock)

	got := svc.Get(context.Background(), "u1", "aster")
	require.NotNil(t, got)
	assert.True(t, got.Risk.Unlimited())
	assert.False(t, got.Window.AutoCloseOutsideWindow)
	assert.Equal(t, models.PresetCustom, got.Window.Preset)
	assert.True(t, got.Window.Contains(time.Now()), "fallback window never refuses")
	assert.True(t, got.DefaultPositionSizeUSD.Equal(decimal.Zero))
}

func TestUnknownPairGetsDefaults(t *testing.T) {
	svc := newTestService(store.NewMock())
	got := svc.Get(context.Background(), "nobody", "aster")
	require.NotNil(t, got)
	assert.True(t, got.Risk.Unlimited())
}

func TestInvalidateForcesReload(t *testing.T) {
	mock := store.NewMock()
	mock.Settings["u1|aster"] = &models.VenueSettings{User: "u1", Venue: "aster"}
	svc := newTestService(mock)

	svc.Get(context.Background(), "u1", "aster")
	mock.Settings["u1|aster"].Risk.MaxTradesPerWeek = 3
	svc.Invalidate("u1", "aster")
	assert.Equal(t, 3, svc.Get(context.Background(), "u1", "aster").Risk.MaxTradesPerWeek)
}
