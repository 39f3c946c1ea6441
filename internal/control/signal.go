package control

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// Watch delivers OS notifications to s until ctx is done:
// interrupt and terminate signals request a cancel, and the action signal
// (SIGUSR1 where available) reports a performed action.
//
// The returned function stops watching and restores default handling.
func Watch(ctx context.Context, s *Signals, logger *slog.Logger) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}

	ch := make(chan os.Signal, 4)
	signal.Notify(ch, append(cancelSignals(), actionSignals()...)...)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				if isActionSignal(sig) {
					logger.Debug("action performed signal received", "signal", sig.String())
					s.ActionPerformed()
					continue
				}
				logger.Info("cancel signal received", "signal", sig.String())
				s.Cancel()
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		cancel()
		<-done
	}
}

func isActionSignal(sig os.Signal) bool {
	for _, a := range actionSignals() {
		if sig == a {
			return true
		}
	}
	return false
}
