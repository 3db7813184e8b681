package batch

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// DrainOnSignal returns a context that is cancelled by the first SIGINT or
// SIGTERM (or the given signals). Cancellation makes the scheduler finish the
// in-flight document and stop. Later signals are logged and ignored so that a
// repeated Ctrl-C cannot interrupt a ledger write. The returned stop function
// releases the signal handler and must be called.
func DrainOnSignal(parent context.Context, log *slog.Logger, sigs ...os.Signal) (context.Context, func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	ctx, release := drainOn(parent, log, ch)
	return ctx, func() {
		signal.Stop(ch)
		release()
	}
}

// drainOn implements DrainOnSignal on an arbitrary signal channel.
func drainOn(parent context.Context, log *slog.Logger, ch <-chan os.Signal) (context.Context, func()) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		draining := false
		for {
			select {
			case sig := <-ch:
				if !draining {
					draining = true
					log.Warn("signal received, finishing in-flight work before exit",
						slog.String("signal", sig.String()))
					cancel()
					continue
				}
				log.Warn("already draining, signal ignored", slog.String("signal", sig.String()))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			close(done)
			<-exited
			cancel()
		})
	}
}
