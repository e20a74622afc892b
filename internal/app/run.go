package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/protocol"
)

// Run serves HTTP, polls the provider and sweeps the registry until ctx is
// cancelled, then shuts the server down within the configured timeout.
func (b *BuildResult) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              b.Config.BindAddr,
		Handler:           b.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Media and observer sockets outlive Shutdown; they end when this context does.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	b.Registry.StartJanitor(gctx, b.Config.JanitorInterval, b.Config.ConversationInactivityTimeout, b.onSweep)

	g.Go(func() error {
		b.Logger.Info("server listening", "addr", b.Config.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return b.Poller.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		b.Logger.Info("shutting down", "active_calls", b.Calls.ActiveCount())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			b.Logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		for b.Calls.ActiveCount() > 0 && shutdownCtx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	})

	return g.Wait()
}

func (b *BuildResult) onSweep(ended []*conversation.Conversation) {
	for _, c := range ended {
		b.Logger.Info("conversation timed out", "id", c.ID, "idle_since", c.LastActivityAt)
		b.Hub.Broadcast(protocol.TypeConversationStatus, "ended: "+c.EndReason, c.ID)
	}
	b.Metrics.SetTrackedConversations(b.Registry.Count())
}
