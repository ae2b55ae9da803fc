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

// Package supervisor owns one external connection (broker or storage) and
// drives its reconnect lifecycle as an explicit state machine:
//
//	Disconnected -> Connecting -> Connected <-> Degraded -> Disconnected
//
// Consumers borrow the live session through Acquire and report operation
// outcomes back; the supervisor decides when the session is beyond saving and
// re-dials with capped, jittered exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned by Acquire when no session becomes available
// within the caller's deadline.
var ErrUnavailable = errors.New("connection unavailable")

// Config tunes one supervisor instance.
type Config struct {
	// Name labels log lines and state callbacks ("broker", "storage").
	Name string
	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration
	// BackoffMin/BackoffMax bound the reconnect delay; the delay doubles per
	// consecutive failed attempt and carries +/- BackoffJitter fractional
	// jitter to avoid reconnect storms.
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64
	// FailureThreshold is the consecutive reported-failure count that turns a
	// degraded session into a full reconnect.
	FailureThreshold int
	// MaxConnectAttempts caps consecutive failed dials before Run gives up.
	// Zero or negative means retry forever.
	MaxConnectAttempts int
	// OnState is invoked on every transition (metrics hook). Optional.
	OnState func(State)
	Logger  *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BackoffJitter <= 0 {
		cfg.BackoffJitter = 0.2
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Dialer establishes one session. The context carries the dial timeout.
type Dialer[T any] func(ctx context.Context) (T, error)

// Supervisor owns the session of type T. All mutation of connection state
// happens here; other components only borrow handles.
type Supervisor[T any] struct {
	cfg     Config
	dial    Dialer[T]
	closeFn func(T)
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      State
	session    T
	hasSession bool
	failures   int
	fatalErr   error
	recycle    chan struct{} // closed when the current session must be dropped
	recycled   bool
	notify     chan struct{} // closed and replaced on every transition
}

// New builds a supervisor around a dial function. closeFn releases a session
// and may be nil for sessions without teardown.
func New[T any](cfg Config, dial Dialer[T], closeFn func(T)) *Supervisor[T] {
	c := cfg.withDefaults()
	return &Supervisor[T]{
		cfg:     c,
		dial:    dial,
		closeFn: closeFn,
		logger:  c.Logger.With("component", "supervisor", "connection", c.Name),
		sleep:   sleepCtx,
		notify:  make(chan struct{}),
	}
}

// Run drives the state machine until ctx is cancelled (returns nil), the
// connect-attempt cap is exhausted, or MarkFatal is called (returns the
// fatal error). It must be called exactly once.
func (s *Supervisor[T]) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := s.fatal(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return nil
		}

		s.setState(Connecting)
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		sess, err := s.dial(dctx)
		cancel()
		if err != nil {
			s.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			attempts++
			if s.cfg.MaxConnectAttempts > 0 && attempts >= s.cfg.MaxConnectAttempts {
				return fmt.Errorf("%s: giving up after %d connect attempts: %w", s.cfg.Name, attempts, err)
			}
			delay := s.backoff(attempts)
			s.logger.Warn("connect failed, backing off", "error", err, "attempt", attempts, "delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				s.setState(Disconnected)
				return nil
			}
			continue
		}
		attempts = 0

		recycle := s.install(sess)
		s.logger.Info("connected")

		select {
		case <-ctx.Done():
		case <-recycle:
		}

		s.teardown()
		if err := s.fatal(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("connection lost, reconnecting")
	}
}

// Acquire returns the live session, blocking until the supervisor is
// Connected (a Degraded session is still handed out; the next successful
// operation promotes it back). When ctx expires first, the error wraps
// ErrUnavailable. A fatal supervisor returns its fatal error immediately.
func (s *Supervisor[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.fatalErr != nil {
			err := s.fatalErr
			s.mu.Unlock()
			return zero, err
		}
		if s.hasSession && !s.recycled {
			sess := s.session
			s.mu.Unlock()
			return sess, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s %w: %v", s.cfg.Name, ErrUnavailable, ctx.Err())
		case <-wait:
		}
	}
}

// ReportSuccess records a successful operation on the borrowed session,
// promoting Degraded back to Connected and resetting the failure streak.
func (s *Supervisor[T]) ReportSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSession {
		return
	}
	s.failures = 0
	if s.state == Degraded {
		s.transitionLocked(Connected)
	}
}

// ReportFailure records a failed operation. The first failure degrades the
// session; reaching the consecutive-failure threshold drops it entirely and
// triggers a reconnect.
func (s *Supervisor[T]) ReportFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSession {
		return
	}
	s.failures++
	if s.failures >= s.cfg.FailureThreshold {
		s.logger.Warn("failure threshold reached, recycling connection", "error", err, "failures", s.failures)
		s.recycleLocked()
		return
	}
	if s.state != Degraded {
		s.logger.Warn("operation failed, connection degraded", "error", err, "failures", s.failures)
		s.transitionLocked(Degraded)
	}
}

// Invalidate drops the current session immediately, e.g. when the transport
// reports an async close. Run re-dials with backoff.
func (s *Supervisor[T]) Invalidate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSession {
		return
	}
	s.logger.Warn("connection invalidated", "error", err)
	s.recycleLocked()
}

// MarkFatal pins the supervisor down: the session is released, no reconnects
// are attempted, Run returns err, and pending Acquire calls fail with err.
func (s *Supervisor[T]) MarkFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr != nil {
		return
	}
	s.fatalErr = err
	if s.hasSession {
		s.recycleLocked()
	}
	s.broadcastLocked()
}

// State reports the current lifecycle state (readiness probes).
func (s *Supervisor[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor[T]) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Supervisor[T]) install(sess T) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
	s.hasSession = true
	s.failures = 0
	s.recycle = make(chan struct{})
	s.recycled = false
	s.transitionLocked(Connected)
	return s.recycle
}

func (s *Supervisor[T]) teardown() {
	s.mu.Lock()
	sess := s.session
	had := s.hasSession
	var zero T
	s.session = zero
	s.hasSession = false
	s.transitionLocked(Disconnected)
	s.mu.Unlock()

	if had && s.closeFn != nil {
		s.closeFn(sess)
	}
}

func (s *Supervisor[T]) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(st)
}

func (s *Supervisor[T]) transitionLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
	s.broadcastLocked()
}

func (s *Supervisor[T]) recycleLocked() {
	if s.hasSession && !s.recycled {
		s.recycled = true
		close(s.recycle)
	}
	s.broadcastLocked()
}

func (s *Supervisor[T]) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Supervisor[T]) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			d = s.cfg.BackoffMax
			break
		}
	}
	jitter := 1 + s.cfg.BackoffJitter*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * jitter)
	if d < 0 {
		d = s.cfg.BackoffMin
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
