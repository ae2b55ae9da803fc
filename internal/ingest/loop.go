// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingest drives the steady-state consume/decode/persist/ack cycle.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/novatechflow/jasminmongologd/internal/decoder"
	"github.com/novatechflow/jasminmongologd/internal/dedup"
	"github.com/novatechflow/jasminmongologd/internal/metrics"
	"github.com/novatechflow/jasminmongologd/internal/record"
	"github.com/novatechflow/jasminmongologd/internal/sink"
	"github.com/novatechflow/jasminmongologd/internal/supervisor"
)

// Source is the borrowed view of a broker session. *broker.Session
// implements it; tests substitute channel-backed fakes.
type Source interface {
	Deliveries() <-chan amqp.Delivery
	Closed() <-chan *amqp.Error
}

// Config tunes the persist retry cycle.
type Config struct {
	// PersistRetries is how many times a transiently failed write is retried
	// before the message is rejected.
	PersistRetries  int
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// PersistTimeout bounds one write attempt; AcquireTimeout bounds waiting
	// for a storage session per attempt.
	PersistTimeout time.Duration
	AcquireTimeout time.Duration
	// CycleTimeout caps one whole persist-and-acknowledge cycle. It also
	// bounds the drain after a shutdown signal: the in-flight cycle finishes
	// on a detached context, never instantly.
	CycleTimeout time.Duration
	Logger       *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 5
	}
	if cfg.RetryBackoffMin <= 0 {
		cfg.RetryBackoffMin = 250 * time.Millisecond
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoffMin {
		cfg.RetryBackoffMax = 5 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Loop is the single logical ingest path of one process instance. It borrows
// sessions from both supervisors and is the only place that suspends on I/O.
type Loop struct {
	cfg     Config
	broker  *supervisor.Supervisor[Source]
	storage *supervisor.Supervisor[sink.Writer]
	dec     *decoder.Decoder
	seen    *dedup.Cache
	logger  *slog.Logger
}

// New assembles the loop.
func New(cfg Config, brokerSup *supervisor.Supervisor[Source], storageSup *supervisor.Supervisor[sink.Writer], dec *decoder.Decoder, seen *dedup.Cache) *Loop {
	c := cfg.withDefaults()
	return &Loop{
		cfg:     c,
		broker:  brokerSup,
		storage: storageSup,
		dec:     dec,
		seen:    seen,
		logger:  c.Logger.With("component", "ingest"),
	}
}

// Run consumes until ctx is cancelled (returns nil after draining the
// in-flight cycle) or a fatal storage error halts consumption (returns it).
func (l *Loop) Run(ctx context.Context) error {
	for {
		sess, err := l.broker.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := l.consume(ctx, sess); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Loop) consume(ctx context.Context, sess Source) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-sess.Closed():
			err := error(amqpErr)
			if amqpErr == nil {
				err = errors.New("broker connection closed")
			}
			l.broker.Invalidate(err)
			return nil
		case d, ok := <-sess.Deliveries():
			if !ok {
				l.broker.Invalidate(errors.New("delivery stream closed"))
				return nil
			}
			if err := l.handle(ctx, d); err != nil {
				return err
			}
		}
	}
}

// handle runs one full cycle for a delivery. A non-nil return halts
// consumption; everything recoverable is resolved here by acking or
// dead-lettering.
func (l *Loop) handle(ctx context.Context, d amqp.Delivery) error {
	rec, err := l.dec.Decode(toDelivery(d))
	if err != nil {
		// Malformed data cannot be fixed by redelivery; route it aside.
		metrics.DecodeErrorsTotal.Inc()
		metrics.RecordsTotal.WithLabelValues("unknown", "dead_lettered").Inc()
		l.logger.Warn("dead-lettering malformed delivery", "routing_key", d.RoutingKey, "error", err)
		l.reportAck(d.Nack(false, false))
		return nil
	}

	kind := string(rec.Kind)
	if d.Redelivered && l.seen.Seen(rec.MessageID, rec.Kind) {
		metrics.DuplicatesTotal.Inc()
		metrics.RecordsTotal.WithLabelValues(kind, "duplicate").Inc()
		l.reportAck(d.Ack(false))
		return nil
	}

	if err := l.persistWithRetry(ctx, rec); err != nil {
		if sink.IsFatal(err) {
			// Leave the message unacked so the broker redelivers it once a
			// healthy instance takes over.
			l.logger.Error("fatal storage error, halting consumption", "message_id", rec.MessageID, "error", err)
			return err
		}
		metrics.RecordsTotal.WithLabelValues(kind, "rejected").Inc()
		l.logger.Error("persist retries exhausted, rejecting delivery", "message_id", rec.MessageID, "error", err)
		l.reportAck(d.Nack(false, false))
		return nil
	}

	l.seen.Mark(rec.MessageID, rec.Kind)
	metrics.RecordsTotal.WithLabelValues(kind, "persisted").Inc()
	metrics.LastPersistTimestamp.SetToCurrentTime()
	l.reportAck(d.Ack(false))
	return nil
}

// persistWithRetry drives one record to durable storage with bounded backoff.
// It returns nil on success, the fatal error after MarkFatal, or the last
// transient error once retries exhaust.
func (l *Loop) persistWithRetry(ctx context.Context, rec *record.LogRecord) error {
	// Detached from cancellation: a shutdown signal lets the in-flight cycle
	// complete instead of abandoning an unacked, possibly-written message.
	cycle, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CycleTimeout)
	defer cancel()

	backoff := l.cfg.RetryBackoffMin
	var lastErr error
	for attempt := 0; attempt <= l.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			metrics.PersistRetriesTotal.Inc()
			select {
			case <-cycle.Done():
				return lastErr
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, l.cfg.RetryBackoffMax)
		}

		actx, acancel := context.WithTimeout(cycle, l.cfg.AcquireTimeout)
		w, err := l.storage.Acquire(actx)
		acancel()
		if err != nil {
			if sink.IsFatal(err) {
				return err
			}
			lastErr = err
			continue
		}

		start := time.Now()
		pctx, pcancel := context.WithTimeout(cycle, l.cfg.PersistTimeout)
		err = w.Persist(pctx, rec)
		pcancel()
		metrics.PersistLatency.WithLabelValues(string(rec.Kind)).Observe(float64(time.Since(start)) / float64(time.Millisecond))

		if err == nil {
			l.storage.ReportSuccess()
			return nil
		}
		if sink.IsFatal(err) {
			l.storage.MarkFatal(err)
			return err
		}
		l.storage.ReportFailure(err)
		l.logger.Warn("transient persist failure",
			"message_id", rec.MessageID, "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return lastErr
}

func (l *Loop) reportAck(err error) {
	if err != nil {
		l.broker.ReportFailure(err)
		return
	}
	l.broker.ReportSuccess()
}

func toDelivery(d amqp.Delivery) decoder.Delivery {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	received := d.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return decoder.Delivery{
		RoutingKey:      d.RoutingKey,
		MessageID:       d.MessageId,
		ContentEncoding: d.ContentEncoding,
		Priority:        d.Priority,
		Headers:         headers,
		Body:            d.Body,
		ReceivedAt:      received,
		Redelivered:     d.Redelivered,
	}
}
