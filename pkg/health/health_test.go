// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckerStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{
			name:   "no checks",
			checks: nil,
			want:   StatusHealthy,
		},
		{
			name: "all passing",
			checks: map[string]CheckFunc{
				"gateway": func(context.Context) error { return nil },
				"mqtt":    func(context.Context) error { return nil },
			},
			want: StatusHealthy,
		},
		{
			name: "one failing",
			checks: map[string]CheckFunc{
				"gateway": func(context.Context) error { return nil },
				"mqtt":    func(context.Context) error { return errors.New("not connected") },
			},
			want: StatusDegraded,
		},
		{
			name: "all failing",
			checks: map[string]CheckFunc{
				"gateway": func(context.Context) error { return errors.New("circuit open") },
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}
			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
			if len(checks) != len(tt.checks) {
				t.Errorf("got %d checks, want %d", len(checks), len(tt.checks))
			}
		})
	}
}

func TestCheckerCachesResults(t *testing.T) {
	c := NewChecker(time.Minute)
	calls := 0
	c.Register("gateway", func(context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls != 1 {
		t.Errorf("expected cached result, check ran %d times", calls)
	}
}

func TestHandlerCodes(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("gateway", func(context.Context) error { return nil })
	c.Register("mqtt", func(context.Context) error { return errors.New("down") })
	h := c.Handler()

	tests := []struct {
		path string
		code int
	}{
		{path: "/health", code: http.StatusOK},
		{path: "/ready", code: http.StatusServiceUnavailable},
		{path: "/live", code: http.StatusOK},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.path, rec.Code, tt.code)
		}
	}
}
