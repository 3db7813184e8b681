package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/docbulk/internal/platform/logger"
)

// Dispatcher fans each outcome out to a fixed set of handlers, in order,
// on the caller's goroutine. It is safe for concurrent use by the upload
// workers because the handler list never changes after construction.
type Dispatcher struct {
	handlers []EventHandler
	logger   *slog.Logger
}

var _ EventEmitter = (*Dispatcher)(nil)

// NewDispatcher returns a Dispatcher for the given handlers. Nil handlers
// are dropped.
func NewDispatcher(log *slog.Logger, handlers ...EventHandler) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{logger: log.With(slog.String("component", "outcome_dispatcher"))}
	for _, h := range handlers {
		if h != nil {
			d.handlers = append(d.handlers, h)
		}
	}
	return d
}

// EmitEvent hands event to every handler. A failing handler does not stop
// the others; all failures are returned joined.
func (d *Dispatcher) EmitEvent(ctx context.Context, event *OutcomeEvent) error {
	if len(d.handlers) == 0 {
		return nil
	}

	var errs []error
	for _, h := range d.handlers {
		if err := h.HandleEvent(ctx, event); err != nil {
			logger.FromContextOrDefault(ctx, d.logger).Warn("outcome handler failed",
				slog.String("handler", fmt.Sprintf("%T", h)),
				slog.String("identifier", event.Identifier),
				slog.String("stage", event.Stage.String()),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
