package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

type joinedSink []ports.SessionSink

// JoinSinks appends to every sink in order and reports all failures.
func JoinSinks(sinks ...ports.SessionSink) ports.SessionSink {
	out := make(joinedSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (s joinedSink) Append(ctx context.Context, session domain.Session) error {
	var errs []error
	for i, sink := range s {
		if err := sink.Append(ctx, session); err != nil {
			errs = append(errs, fmt.Errorf("session sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
