package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmhodges/clock"

	"github.com/dukerupert/chime/internal/metrics"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/store"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCoolDown  = 30 * time.Second
)

type provider interface {
	Send(ctx context.Context, d model.Device, n Notification) error
}

// Config selects and credentials the push providers. A provider with no
// credentials is left unwired; sends to its platform fail fast.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	FCMServerKey string
	APNs         APNsConfig

	// Mock short-circuits every send to a deterministic success. Sandbox
	// devices take the same path regardless of this flag.
	Mock bool

	BreakerThreshold int
	BreakerCoolDown  time.Duration
}

// Dispatcher routes one reminder to one device's provider and keeps the
// delivery ledger. Safe for concurrent use.
type Dispatcher struct {
	providers  map[model.Platform]provider
	breakers   map[model.Platform]*Breaker
	deliveries *store.DeliveryStore
	devices    *store.DeviceStore
	metrics    *metrics.Metrics
	logger     *slog.Logger
	mock       bool
	vapidPub   string
}

func NewDispatcher(
	cfg Config,
	deliveries *store.DeliveryStore,
	devices *store.DeviceStore,
	m *metrics.Metrics,
	clk clock.Clock,
	logger *slog.Logger,
) (*Dispatcher, error) {
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerCoolDown <= 0 {
		cfg.BreakerCoolDown = defaultBreakerCoolDown
	}
	logger = logger.With("component", "notify")

	d := &Dispatcher{
		providers:  make(map[model.Platform]provider),
		breakers:   make(map[model.Platform]*Breaker),
		deliveries: deliveries,
		devices:    devices,
		metrics:    m,
		logger:     logger,
		mock:       cfg.Mock,
		vapidPub:   cfg.VAPIDPublicKey,
	}

	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		d.providers[model.PlatformWeb] = NewWebPush(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber)
	}
	if cfg.FCMServerKey != "" {
		d.providers[model.PlatformAndroid] = NewFCM(cfg.FCMServerKey)
	}
	if len(cfg.APNs.PrivateKey) > 0 {
		apns, err := NewAPNs(cfg.APNs)
		if err != nil {
			return nil, err
		}
		d.providers[model.PlatformIOS] = apns
	}

	for platform := range d.providers {
		d.breakers[platform] = NewBreaker(
			string(platform), cfg.BreakerThreshold, cfg.BreakerCoolDown,
			clk, logger, m.BreakerTransition,
		)
	}

	return d, nil
}

// VAPIDPublicKey returns the key browsers need to subscribe for web push.
func (dsp *Dispatcher) VAPIDPublicKey() string {
	return dsp.vapidPub
}

// Deliver sends one fired reminder to one device and records the outcome in
// the ledger. The returned error describes this device's attempt only.
func (dsp *Dispatcher) Deliver(ctx context.Context, r *model.Reminder, d model.Device) error {
	recID, err := dsp.deliveries.RecordSent(r.ID, d.ID)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}

	if dsp.mock || d.Sandbox {
		if err := dsp.deliveries.MarkDelivered(recID); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		dsp.metrics.DeliveryFinished(string(d.Platform), "ok")
		return nil
	}

	p, ok := dsp.providers[d.Platform]
	if !ok {
		dsp.fail(recID, d, "provider not configured")
		return fmt.Errorf("no provider for platform %q", d.Platform)
	}

	br := dsp.breakers[d.Platform]
	if err := br.Allow(); err != nil {
		dsp.fail(recID, d, err.Error())
		return err
	}

	sendErr := p.Send(ctx, d, Notification{
		Title: r.Title,
		Body:  r.Body,
		Tag:   fmt.Sprintf("reminder-%d", r.ID),
	})

	if errors.Is(sendErr, ErrExpired) {
		// The provider answered; only the registration is dead.
		br.Mark(nil)
		if err := dsp.devices.Delete(d.ID); err != nil {
			dsp.logger.Error("remove expired device", "device_id", d.ID, "error", err)
		} else {
			dsp.logger.Info("removed expired device", "device_id", d.ID, "platform", d.Platform)
		}
		dsp.fail(recID, d, "registration expired")
		return sendErr
	}
	br.Mark(sendErr)

	if sendErr != nil {
		dsp.fail(recID, d, sendErr.Error())
		return sendErr
	}

	if err := dsp.deliveries.MarkDelivered(recID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	dsp.metrics.DeliveryFinished(string(d.Platform), "ok")
	return nil
}

func (dsp *Dispatcher) fail(recID int64, d model.Device, msg string) {
	if err := dsp.deliveries.MarkFailed(recID, msg); err != nil {
		dsp.logger.Error("mark delivery failed", "record_id", recID, "error", err)
	}
	dsp.metrics.DeliveryFinished(string(d.Platform), "error")
}
