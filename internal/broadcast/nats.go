package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS-backed group.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSGroup publishes events through NATS and fans them out to the members
// joined in this process. One subscription is held per non-empty group.
type NATSGroup struct {
	conn    *nats.Conn
	prefix  string
	logger  *zap.Logger
	members membership

	subsMu sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

func NewNATSGroup(cfg NATSConfig, logger *zap.Logger) (*NATSGroup, error) {
	g := &NATSGroup{
		prefix:  cfg.SubjectPrefix,
		logger:  logger.With(zap.String("component", "broadcast-nats")),
		members: newMembership(),
		subs:    make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("chatd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(g.connectHandler),
		nats.DisconnectErrHandler(g.disconnectHandler),
		nats.ReconnectHandler(g.reconnectHandler),
		nats.ErrorHandler(g.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	g.conn = conn
	g.logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return g, nil
}

func (g *NATSGroup) connectHandler(conn *nats.Conn) {
	g.logger.Info("nats connected", zap.String("url", conn.ConnectedUrl()))
}

func (g *NATSGroup) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		g.logger.Warn("nats disconnected", zap.Error(err))
		return
	}
	g.logger.Info("nats disconnected")
}

func (g *NATSGroup) reconnectHandler(conn *nats.Conn) {
	g.logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
}

func (g *NATSGroup) errorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	g.logger.Error("nats error", zap.String("subject", subject), zap.Error(err))
}

func (g *NATSGroup) subject(group string) string {
	return g.prefix + "." + group
}

func (g *NATSGroup) Join(_ context.Context, group string, m Member) error {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	if g.closed {
		return ErrClosed
	}

	g.members.add(group, m)
	if _, ok := g.subs[group]; ok {
		return nil
	}

	sub, err := g.conn.Subscribe(g.subject(group), func(msg *nats.Msg) {
		g.handleMessage(group, msg.Data)
	})
	if err != nil {
		g.members.remove(group, m)
		return fmt.Errorf("failed to subscribe to %s: %w", g.subject(group), err)
	}
	g.subs[group] = sub
	g.logger.Debug("subscribed", zap.String("subject", sub.Subject))
	return nil
}

func (g *NATSGroup) Leave(_ context.Context, group string, m Member) error {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	if !g.members.remove(group, m) {
		return nil
	}
	sub, ok := g.subs[group]
	if !ok {
		return nil
	}
	delete(g.subs, group)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", sub.Subject, err)
	}
	return nil
}

func (g *NATSGroup) Publish(ctx context.Context, group string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := g.conn.Publish(g.subject(group), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", g.subject(group), err)
	}
	return nil
}

func (g *NATSGroup) handleMessage(group string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		g.logger.Warn("dropping undecodable event", zap.String("group", group), zap.Error(err))
		return
	}
	g.members.deliver(group, ev)
}

// Close drains subscriptions and closes the connection.
func (g *NATSGroup) Close() error {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	for group, sub := range g.subs {
		if err := sub.Unsubscribe(); err != nil {
			g.logger.Warn("unsubscribe failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
		delete(g.subs, group)
	}
	if g.conn != nil {
		if err := g.conn.Drain(); err != nil {
			g.conn.Close()
			return fmt.Errorf("drain nats connection: %w", err)
		}
	}
	return nil
}
