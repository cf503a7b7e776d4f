package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kazmanavt/jrpc2"
	"github.com/kazmanavt/jrpc2/handler"
)

// demoMethods registers the methods served by "serve" and "stdio".
func demoMethods(log *zap.Logger) (*handler.Map, error) {
	m := handler.New()
	methods := map[string]any{
		"add": func(a, b float64) (float64, error) {
			return a + b, nil
		},
		"echo": func(_ context.Context, params jrpc2.Params) (any, error) {
			return params.Raw(), nil
		},
		// sleep answers after ms milliseconds without holding the connection's read loop.
		"sleep": func(ctx context.Context, ms int) (*jrpc2.Future[string], error) {
			return jrpc2.Defer(func() (string, error) {
				t := time.NewTimer(time.Duration(ms) * time.Millisecond)
				defer t.Stop()
				select {
				case <-t.C:
					return "slept", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}), nil
		},
		"log": func(msg string) (bool, error) {
			log.Info("client message", zap.String("message", msg))
			return true, nil
		},
	}
	for name, fn := range methods {
		if err := m.Register(name, fn); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// formatResult renders a call result as indented JSON.
func formatResult(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}
