package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anomaly-monitor/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	defaultAckWait       = 30 * time.Second
	defaultMaxDeliver    = 3
	defaultMaxAckPending = 1000
)

type JetStreamConfig struct {
	URL          string
	Stream       string
	Consumer     string
	Subject      string
	CreateStream bool
}

func (c JetStreamConfig) Validate() error {
	if c.URL == "" {
		return errors.New("nats url is required")
	}
	if c.Stream == "" {
		return errors.New("nats stream is required")
	}
	if c.Consumer == "" {
		return errors.New("nats consumer is required")
	}
	if c.CreateStream && c.Subject == "" {
		return errors.New("nats subject is required to create the stream")
	}
	return nil
}

// JetStreamSource reads device readings from a durable JetStream pull
// consumer. A message is acknowledged when the next one is requested, so a
// record whose processing was interrupted is redelivered.
type JetStreamSource struct {
	cfg JetStreamConfig
	log *zap.Logger
}

func NewJetStreamSource(cfg JetStreamConfig, log *zap.Logger) (*JetStreamSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &JetStreamSource{cfg: cfg, log: log}, nil
}

func (s *JetStreamSource) Subscribe(ctx context.Context) (Subscription, error) {
	nc, err := nats.Connect(s.cfg.URL, nats.Name("anomaly-monitor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	if s.cfg.CreateStream {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     s.cfg.Stream,
			Subjects: []string{s.cfg.Subject},
		})
	} else {
		_, err = js.Stream(ctx, s.cfg.Stream)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get stream %s: %w", s.cfg.Stream, err)
	}

	consumer, err := s.consumer(ctx, js)
	if err != nil {
		nc.Close()
		return nil, err
	}

	iter, err := consumer.Messages()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to start message iterator: %w", err)
	}

	s.log.Info("telemetry subscription started",
		zap.String("stream", s.cfg.Stream),
		zap.String("consumer", s.cfg.Consumer))

	return &jetStreamSubscription{nc: nc, iter: iter, log: s.log}, nil
}

func (s *JetStreamSource) consumer(ctx context.Context, js jetstream.JetStream) (jetstream.Consumer, error) {
	consumer, err := js.Consumer(ctx, s.cfg.Stream, s.cfg.Consumer)
	if err == nil {
		return consumer, nil
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       defaultAckWait,
		MaxDeliver:    defaultMaxDeliver,
		MaxAckPending: defaultMaxAckPending,
	}
	if s.cfg.Subject != "" {
		cfg.FilterSubject = s.cfg.Subject
	}

	consumer, err = js.CreateConsumer(ctx, s.cfg.Stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", s.cfg.Consumer, err)
	}
	return consumer, nil
}

type jetStreamSubscription struct {
	nc      *nats.Conn
	iter    jetstream.MessagesContext
	pending jetstream.Msg
	log     *zap.Logger
}

func (s *jetStreamSubscription) Next(ctx context.Context) (models.TelemetryRecord, error) {
	s.ackPending()

	for {
		msg, err := s.next(ctx)
		if err != nil {
			return models.TelemetryRecord{}, err
		}

		receivedAt := time.Now()
		if meta, err := msg.Metadata(); err == nil {
			receivedAt = meta.Timestamp
		}

		rec, err := Decode(msg.Data(), receivedAt)
		if err != nil {
			s.log.Warn("dropping undecodable telemetry message",
				zap.String("subject", msg.Subject()),
				zap.Error(err))
			_ = msg.Term()
			continue
		}

		s.pending = msg
		return rec, nil
	}
}

// next blocks on the iterator and stops it if ctx ends first.
func (s *jetStreamSubscription) next(ctx context.Context) (jetstream.Msg, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.iter.Stop()
		case <-done:
		}
	}()

	msg, err := s.iter.Next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to fetch telemetry message: %w", err)
	}
	return msg, nil
}

func (s *jetStreamSubscription) ackPending() {
	if s.pending == nil {
		return
	}
	if err := s.pending.Ack(); err != nil {
		s.log.Warn("failed to ack telemetry message", zap.Error(err))
	}
	s.pending = nil
}

// Close acknowledges the last delivered record and disconnects.
func (s *jetStreamSubscription) Close() error {
	s.ackPending()
	s.iter.Stop()
	s.nc.Close()
	return nil
}
