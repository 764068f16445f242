package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/procpool/internal/control"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Bootstrap is the body of a worker process. It waits for the Start message,
// resolves the group's entry point and job runner from reg and runs them until
// the supervisor asks the worker to stop.
//
// logger may be nil; log entries are always forwarded to the supervisor as
// well. The returned error maps to the process exit code with ExitCode.
func Bootstrap(ctx context.Context, ch *control.Channel, reg *Registry, logger *zap.Logger) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = newPanicError(v)
		}
	}()

	start, err := awaitStart(ctx, ch)
	if err != nil {
		ch.Close()
		return err
	}

	group, ok := start.Group(start.GroupID)
	if !ok {
		ch.Close()
		return fmt.Errorf("%w: group %d missing from start payload", ErrFatal, start.GroupID)
	}

	name := start.EntryPoint
	if name == "" {
		name = group.EntryPoint
	}
	entry, err := reg.EntryPoint(name)
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}

	var runner JobRunner
	if group.JobRunner != "" {
		if runner, err = reg.JobRunner(group.JobRunner); err != nil {
			ch.Close()
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}

	core := NewForwardCore(ch, zapcore.DebugLevel)
	if logger != nil {
		core = zapcore.NewTee(logger.Core(), core)
	}

	rt, err := newRuntime(ch, start.StartPayload, runner, zap.New(core).Named("worker"))
	if err != nil {
		ch.Close()
		return err
	}
	defer rt.Stop()

	return rt.Run(ctx, entry)
}

// awaitStart reads control messages until Start arrives. Pings are answered
// so the supervisor can tell a slow start from a dead one.
func awaitStart(ctx context.Context, ch *control.Channel) (control.Start, error) {
	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return control.Start{}, err
			}
			if !errors.Is(err, control.ErrClosed) {
				continue
			}
			return control.Start{}, fmt.Errorf("%w: waiting for start: %w", ErrChannelLost, err)
		}
		switch m := msg.(type) {
		case control.Start:
			return m, nil
		case control.PingPong:
			if err := ch.Send(control.PingPong{}); err != nil {
				return control.Start{}, fmt.Errorf("%w: %w", ErrChannelLost, err)
			}
		case control.Shutdown:
			return control.Start{}, context.Canceled
		}
	}
}
