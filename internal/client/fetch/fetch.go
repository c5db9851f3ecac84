// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package fetch implements the Data Fetch Engine (component J): a
// bounded worker pool draining a queue of FetchEvents, each dispatched
// to a pluggable FetchProvider and retried with backoff on failure.
//
// Grounded on _examples/original_source/opal/fetcher/engine/fetching_engine.py
// (FetchingEngine): fixed worker-goroutine pool pulling from a shared
// queue, a provider register keyed by name, and failure-callback
// subscribers, generalized from asyncio tasks/queues to goroutines and
// channels.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultWorkerCount mirrors FetchingEngine.DEFAULT_WORKER_COUNT.
const DefaultWorkerCount = 5

// Event describes one fetch to perform.
type Event struct {
	ID       string
	URL      string
	Provider string // registered FetchProvider name; "" uses DefaultProvider
	Config   map[string]any
}

// Result is delivered to a Callback once a fetch completes (success or
// final failure after retries are exhausted).
type Result struct {
	Event Event
	Data  []byte
	Err   error
}

// Callback receives the outcome of one queued Event.
type Callback func(Result)

// Provider performs the actual fetch for one Event. Implementations
// should be stateless and safe for concurrent use across workers.
type Provider interface {
	Fetch(ctx context.Context, event Event) ([]byte, error)
}

// FailureHandler is invoked (in addition to the event's own Callback)
// whenever a fetch exhausts its retries, for the Statistics component
// to track provider error rates.
type FailureHandler func(event Event, err error)

type queuedTask struct {
	event    Event
	callback Callback
}

// Engine is a pluggable-provider, bounded-worker fetch queue.
type Engine struct {
	providers       map[string]Provider
	defaultProvider string

	queue chan queuedTask

	// MaxElapsedTime bounds how long fetchWithRetry keeps retrying a
	// single event before giving up. Defaults to 5 minutes.
	MaxElapsedTime time.Duration
	// MaxInterval caps the exponential backoff between attempts.
	// Defaults to 30s.
	MaxInterval time.Duration

	mu        sync.Mutex
	onFailure []FailureHandler

	logger zerolog.Logger
}

// New constructs an Engine with an internal queue of size queueSize.
// It starts no goroutines and does not keep workerCount; the worker
// goroutines are launched by Start, which takes its own worker count.
func New(workerCount, queueSize int) *Engine {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Engine{
		providers:      make(map[string]Provider),
		queue:          make(chan queuedTask, queueSize),
		MaxElapsedTime: 5 * time.Minute,
		MaxInterval:    30 * time.Second,
		logger:         log.With().Str("component", "fetch-engine").Logger(),
	}
}

// RegisterProvider adds provider under name. The first registered
// provider becomes the default used when an Event leaves Provider
// empty.
func (e *Engine) RegisterProvider(name string, p Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[name] = p
	if e.defaultProvider == "" {
		e.defaultProvider = name
	}
}

// RegisterFailureHandler subscribes to terminal fetch failures.
func (e *Engine) RegisterFailureHandler(h FailureHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = append(e.onFailure, h)
}

// Start launches workerCount goroutines draining the queue, running
// until ctx is canceled.
func (e *Engine) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	for i := 0; i < workerCount; i++ {
		go e.worker(ctx)
	}
}

// QueueURL is the simplified entry point: fetch url with the default
// provider and invoke callback with the result.
func (e *Engine) QueueURL(ctx context.Context, url string, callback Callback) Event {
	return e.QueueEvent(ctx, Event{URL: url}, callback)
}

// QueueEvent enqueues event (assigning an ID if absent) for a worker to
// pick up; blocks if the queue is full, returning immediately if ctx is
// canceled first.
func (e *Engine) QueueEvent(ctx context.Context, event Event, callback Callback) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	select {
	case e.queue <- queuedTask{event: event, callback: callback}:
	case <-ctx.Done():
	}
	return event
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			e.process(ctx, task)
		}
	}
}

func (e *Engine) process(ctx context.Context, task queuedTask) {
	providerName := task.event.Provider
	if providerName == "" {
		providerName = e.defaultProvider
	}

	e.mu.Lock()
	provider, ok := e.providers[providerName]
	e.mu.Unlock()

	if !ok {
		err := fmt.Errorf("fetch: no provider registered for %q", providerName)
		e.fail(task, err)
		return
	}

	data, err := e.fetchWithRetry(ctx, provider, task.event)
	if err != nil {
		e.fail(task, err)
		return
	}

	if task.callback != nil {
		task.callback(Result{Event: task.event, Data: data})
	}
}

// fetchWithRetry wraps provider.Fetch in exponential backoff, mirroring
// BaseFetchProvider.fetch's tenacity-retry wrapper (random exponential
// wait, many attempts, reraise on exhaustion).
func (e *Engine) fetchWithRetry(ctx context.Context, provider Provider, event Event) ([]byte, error) {
	var data []byte
	op := func() error {
		d, err := provider.Fetch(ctx, event)
		if err != nil {
			e.logger.Warn().Err(err).Str("url", event.URL).Msg("fetch: attempt failed, retrying")
			return err
		}
		data = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = e.MaxInterval
	b.MaxElapsedTime = e.MaxElapsedTime

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("fetch: %s: %w", event.URL, err)
	}
	return data, nil
}

func (e *Engine) fail(task queuedTask, err error) {
	e.mu.Lock()
	handlers := append([]FailureHandler(nil), e.onFailure...)
	e.mu.Unlock()

	for _, h := range handlers {
		h(task.event, err)
	}
	if task.callback != nil {
		task.callback(Result{Event: task.event, Err: err})
	}
}
