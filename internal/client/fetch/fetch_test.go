// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubProvider struct {
	mu       sync.Mutex
	calls    int
	failN    int
	response []byte
}

func (p *stubProvider) Fetch(ctx context.Context, event Event) ([]byte, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if call <= p.failN {
		return nil, errors.New("temporary failure")
	}
	return p.response, nil
}

func TestEngineDeliversResultAfterRetry(t *testing.T) {
	e := New(2, 10)
	p := &stubProvider{failN: 2, response: []byte("ok")}
	e.RegisterProvider(HTTPProviderName, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, 2)

	done := make(chan Result, 1)
	e.QueueEvent(ctx, Event{URL: "http://example.com"}, func(r Result) { done <- r })

	select {
	case r := <-done:
		if r.Err != nil {
			t.Fatalf("Result.Err = %v, want nil", r.Err)
		}
		if string(r.Data) != "ok" {
			t.Errorf("Result.Data = %q, want ok", r.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete before timeout")
	}
}

func TestEngineReportsUnknownProvider(t *testing.T) {
	e := New(1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, 1)

	done := make(chan Result, 1)
	e.QueueEvent(ctx, Event{URL: "http://example.com", Provider: "missing"}, func(r Result) { done <- r })

	select {
	case r := <-done:
		if r.Err == nil {
			t.Fatal("Result.Err = nil, want error for unregistered provider")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not complete before timeout")
	}
}

func TestEngineInvokesFailureHandlerOnExhaustion(t *testing.T) {
	e := New(1, 10)
	e.MaxElapsedTime = 500 * time.Millisecond
	e.MaxInterval = 50 * time.Millisecond
	p := &stubProvider{failN: 1000}
	e.RegisterProvider(HTTPProviderName, p)

	var failed bool
	var mu sync.Mutex
	e.RegisterFailureHandler(func(event Event, err error) {
		mu.Lock()
		failed = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, 1)

	done := make(chan Result, 1)
	e.QueueEvent(ctx, Event{URL: "http://example.com"}, func(r Result) { done <- r })

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			t.Error("failure handler was not invoked after retries were exhausted")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("fetch did not complete before timeout")
	}
}
