// Package notify delivers user-visible events. The store-backed sink is
// fire-and-forget: callers never block on notification delivery, and a
// full queue drops the event with a warning rather than stalling a trade.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
)

const (
	queueDepth   = 256
	writeTimeout = 5 * time.Second
)

// Sink accepts events for asynchronous delivery. Metadata must never
// contain credential material.
type Sink interface {
	Send(user string, t models.NotificationType, title, message string, metadata map[string]string)
}

// StoreSink persists notifications through the store, honouring per-user
// preference toggles.
type StoreSink struct {
	store  store.Interface
	logger *logrus.Entry

	queue chan models.Notification
	once  sync.Once
	wg    sync.WaitGroup
}

// NewStoreSink builds the sink and starts its single delivery worker.
func NewStoreSink(st store.Interface, logger *logrus.Logger) *StoreSink {
	s := &StoreSink{
		store:  st,
		logger: logger.WithField("component", "notify"),
		queue:  make(chan models.Notification, queueDepth),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Send enqueues one event. It never blocks; when the queue is full the
// event is dropped and logged.
func (s *StoreSink) Send(user string, t models.NotificationType, title, message string, metadata map[string]string) {
	n := models.Notification{
		ID:       uuid.NewString(),
		User:     user,
		Type:     t,
		Title:    title,
		Message:  message,
		Metadata: metadata,
		SentAt:   time.Now().UTC(),
	}
	select {
	case s.queue <- n:
	default:
		s.logger.WithFields(logrus.Fields{
			"user": user,
			"type": t,
		}).Warn("notification queue full, dropping event")
	}
}

// Close stops accepting events and waits for the queue to drain.
func (s *StoreSink) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *StoreSink) run() {
	defer s.wg.Done()
	for n := range s.queue {
		s.deliver(n)
	}
}

func (s *StoreSink) deliver(n models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	// Preference lookup fails open: an unreachable store must not
	// silently mute events that do get through.
	prefs, err := s.store.GetNotificationPreferences(ctx, n.User)
	if err == nil && prefs != nil && !prefs.Allows(n.Type) {
		return
	}

	if err := s.store.InsertNotification(ctx, &n); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"user": n.User,
			"type": n.Type,
		}).Warn("notification delivery failed")
	}
}
