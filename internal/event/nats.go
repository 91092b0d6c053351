package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const streamName = "TT_MEDIA"

// NATS publishes to JetStream and subscribes with core NATS.
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// New returns a NATS publisher, or a no-op publisher when url is empty or the
// connection cannot be established.
func New(url string, logger *zap.Logger) Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		logger.Info("NATS_URL not set, events disabled")
		return noop{}
	}
	p, err := Connect(url, logger)
	if err != nil {
		logger.Warn("NATS unavailable, using noop publisher", zap.Error(err))
		return noop{}
	}
	return p
}

// Connect dials NATS and ensures the media stream exists.
func Connect(url string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("twotruths-mediacore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := initStream(js); err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("NATS connected", zap.String("url", nc.ConnectedUrl()))
	return &NATS{nc: nc, js: js, logger: logger}, nil
}

func initStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"twotruths.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", streamName, err)
	}
	return nil
}

func (p *NATS) publish(ctx context.Context, subject string, payload any) error {
	env, err := newEnvelope(subject, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(subject, b, nats.Context(ctx), nats.MsgId(env.CorrelationID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATS) PublishCaptureUploaded(ctx context.Context, ev CaptureUploaded) error {
	return p.publish(ctx, SubjectCaptureUploaded, ev)
}

func (p *NATS) PublishCaptureFailed(ctx context.Context, ev CaptureFailed) error {
	return p.publish(ctx, SubjectCaptureFailed, ev)
}

func (p *NATS) PublishMergeCompleted(ctx context.Context, ev MergeCompleted) error {
	return p.publish(ctx, SubjectMergeCompleted, ev)
}

// Subscribe delivers envelopes on subject. Malformed messages are logged and dropped.
func (p *NATS) Subscribe(subject string, fn func(Envelope)) (func(), error) {
	sub, err := p.nc.Subscribe(subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			p.logger.Warn("dropping malformed event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection.
func (p *NATS) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
