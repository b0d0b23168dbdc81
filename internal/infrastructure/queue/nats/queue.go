package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

const sessionIDHeader = "Kedb-Session-Id"

// SessionBus publishes sealed sessions for the ledger worker and
// delivers them to its queue group.
type SessionBus struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

func New(url, subject string) (*SessionBus, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func NewWithOptions(url, subject string, options Options) (*SessionBus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := options.Name
	if name == "" {
		name = "kedb-orchestrator"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &SessionBus{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (b *SessionBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Append implements the session sink port by publishing the sealed
// session.
func (b *SessionBus) Append(ctx context.Context, session domain.Session) error {
	msg, err := encodeSession(b.subject, session)
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := b.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporary(err)
	}
	return nil
}

// SubscribeSessions blocks until ctx is done, then drains the
// subscription. Undecodable messages are logged and dropped.
func (b *SessionBus) SubscribeSessions(ctx context.Context, group string, handler func(context.Context, domain.Session) error) error {
	sub, err := b.conn.QueueSubscribe(b.subject, group, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		session, err := decodeSession(msg)
		if err != nil {
			b.logger.Error("session_decode_failed", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, session); err != nil {
			b.logger.Error("session_handler_failed", "session_id", session.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeSession(subject string, session domain.Session) (*nats.Msg, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(sessionIDHeader, session.ID)
	msg.Data = data
	return msg, nil
}

func decodeSession(msg *nats.Msg) (domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal(msg.Data, &session); err != nil {
		return domain.Session{}, domain.WrapError(domain.ErrInvalidInput, "decode session", err)
	}
	if session.ID == "" {
		session.ID = msg.Header.Get(sessionIDHeader)
	}
	if session.ID == "" {
		return domain.Session{}, domain.WrapError(domain.ErrInvalidInput, "decode session", errors.New("missing session id"))
	}
	return session, nil
}
