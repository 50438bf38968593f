package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"diagram-collab/internal/middleware"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/syncengine"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd(o *options) *cobra.Command {
	var server, userID, name string
	var cursors bool

	cmd := &cobra.Command{
		Use:   "watch SESSION_ID",
		Short: "Attach to a session and print what its participants do",
		Long: `Watch connects to the session gateway as an observer and prints every
document update, draft, join and leave until interrupted. The connection is
re-established with backoff when it drops.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), o, watchTarget{
				server:    server,
				sessionID: args[0],
				userID:    userID,
				name:      name,
				cursors:   cursors,
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "ws://localhost:8080", "Gateway base URL")
	cmd.Flags().StringVar(&userID, "user", "collabctl", "User id to attach as")
	cmd.Flags().StringVar(&name, "name", "collabctl", "Display name to attach as")
	cmd.Flags().BoolVar(&cursors, "cursors", false, "Also print cursor movements")
	return cmd
}

type watchTarget struct {
	server    string
	sessionID string
	userID    string
	name      string
	cursors   bool
}

func gatewayURL(server string) string {
	switch {
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	}
	return server
}

// printer is the document model of an observer: it prints instead of applying
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) line(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) ApplyUpdate(userID, updateType string, data json.RawMessage) error {
	p.line("update  %-20s %s %s", userID, updateType, data)
	return nil
}

func (p *printer) PreviewDraft(userID, updateType string, data json.RawMessage) {
	p.line("draft   %-20s %s", userID, updateType)
}

func runWatch(ctx context.Context, out io.Writer, o *options, target watchTarget) error {
	header := http.Header{}
	header.Set(middleware.HeaderUserID, target.userID)
	header.Set(middleware.HeaderUserName, target.name)

	p := &printer{out: out}
	failed := make(chan error, 1)

	engine := syncengine.NewEngine(
		syncengine.SessionContext{SessionID: target.sessionID, UserID: target.userID, DisplayName: target.name},
		syncengine.NewWebSocketTransport(gatewayURL(target.server), header),
		p,
		syncengine.WithLogger(o.logger),
		syncengine.WithSubscribeTimeout(o.cfg.SubscribeTimeout),
		syncengine.WithBackoff(o.cfg.ReconnectBase, o.cfg.ReconnectAttempts),
		syncengine.WithStateListener(func(s syncengine.State) {
			o.logger.Debug("connection state", zap.String("state", s.String()))
			if s == syncengine.StateReconnecting {
				p.line("connection lost, reconnecting...")
			}
		}),
		syncengine.WithDegradedListener(func(err error) {
			select {
			case failed <- err:
			default:
			}
		}),
	)

	engine.Handle(protocol.KindUserJoined, func(_ *protocol.Envelope, ev protocol.Event) {
		u := ev.(*protocol.UserJoined).User
		p.line("joined  %-20s %s (%s)", u.ID, u.Name, u.Role)
	})
	engine.Handle(protocol.KindUserLeft, func(_ *protocol.Envelope, ev protocol.Event) {
		u := ev.(*protocol.UserLeft).User
		p.line("left    %-20s %s", u.ID, u.Name)
	})
	engine.Handle(protocol.KindSelectionChanged, func(env *protocol.Envelope, ev protocol.Event) {
		p.line("select  %-20s %v", env.UserID, ev.(*protocol.SelectionChange).ElementIDs)
	})
	if target.cursors {
		engine.Handle(protocol.KindCursorMoved, func(env *protocol.Envelope, ev protocol.Event) {
			c := ev.(*protocol.CursorMove)
			p.line("cursor  %-20s %.1f,%.1f", env.UserID, c.X, c.Y)
		})
	}

	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to attach to session %s: %w", target.sessionID, err)
	}
	defer engine.Teardown()

	peers := engine.Peers()
	p.line("watching session %s, %d peer(s) connected", target.sessionID, len(peers))

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return fmt.Errorf("lost session %s: %w", target.sessionID, err)
	}
}
