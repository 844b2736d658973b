package bus

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSAuth describes how to authenticate a connection to one bus server.
type NATSAuth struct {
	Token    string
	User     string
	Password string
	// JWT + NKeySeed are reserved for future jwt+nkey auth support (spec
	// §4.6 step 9 notes this auth shape is reserved, not yet implemented).
	JWT      string
	NKeySeed string
}

// NATS wraps a *nats.Conn behind the Bus interface.
type NATS struct {
	conn *nats.Conn
}

// DialNATS connects to url with the given auth shape.
func DialNATS(url string, auth NATSAuth) (*NATS, error) {
	opts := []nats.Option{}
	switch {
	case auth.Token != "":
		opts = append(opts, nats.Token(auth.Token))
	case auth.User != "":
		opts = append(opts, nats.UserInfo(auth.User, auth.Password))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn}, nil
}

// WrapNATS adapts an already-connected *nats.Conn (e.g. the caller-owned
// default bus connection).
func WrapNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Conn exposes the underlying *nats.Conn for callers that need it (e.g.
// the facade's "borrowed, never closed by the pool" default connection).
func (n *NATS) Conn() *nats.Conn { return n.conn }

func (n *NATS) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := n.conn.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (n *NATS) Subscribe(subject, queue string, handler Handler) (Subscription, error) {
	cb := func(msg *nats.Msg) {
		reply, err := handler(context.Background(), msg.Subject, msg.Data)
		if err != nil || msg.Reply == "" {
			return
		}
		_ = msg.Respond(reply)
	}

	var sub *nats.Subscription
	var err error
	if queue != "" {
		sub, err = n.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = n.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (n *NATS) Publish(ctx context.Context, subject string, payload []byte) error {
	return n.conn.Publish(subject, payload)
}

func (n *NATS) Drain(ctx context.Context) error {
	return n.conn.Drain()
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}

var _ Bus = (*NATS)(nil)
