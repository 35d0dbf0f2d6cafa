package relay

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/models"
)

const (
	replyOK  byte = 0
	replyErr byte = 1
)

// NATSRelay forwards over NATS request-reply. Each collaborator
// listens on "<prefix>.<principal>".
type NATSRelay struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewNATSRelay(url, prefix string, timeout time.Duration) (*NATSRelay, error) {
	nc, err := nats.Connect(url, nats.Name("private-dispatch-relay"))
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return NewNATSRelayConn(nc, prefix, timeout), nil
}

func NewNATSRelayConn(nc *nats.Conn, prefix string, timeout time.Duration) *NATSRelay {
	if prefix == "" {
		prefix = "dispatch.relay"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NATSRelay{conn: nc, prefix: prefix, timeout: timeout}
}

// Subject returns the subject a collaborator serves on.
func (n *NATSRelay) Subject(target models.Principal) string {
	// NATS tokens cannot contain dots or whitespace.
	t := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(string(target))
	return n.prefix + "." + t
}

func (n *NATSRelay) Call(ctx context.Context, target models.Principal, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	msg, err := n.conn.RequestWithContext(ctx, n.Subject(target), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, errors.Wrapf(ErrNoRoute, "target %s", target)
		}
		return nil, errors.Wrapf(err, "nats request to %s", target)
	}
	return decodeReply(msg.Data)
}

// Serve answers calls addressed to target with h.
func (n *NATSRelay) Serve(target models.Principal, h Handler) (*nats.Subscription, error) {
	return n.conn.Subscribe(n.Subject(target), func(m *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		out, err := h(ctx, m.Data)
		_ = m.Respond(encodeReply(out, err))
	})
}

func (n *NATSRelay) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

func encodeReply(out []byte, err error) []byte {
	if err != nil {
		return append([]byte{replyErr}, err.Error()...)
	}
	return append([]byte{replyOK}, out...)
}

func decodeReply(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("relay: empty nats reply")
	}
	if b[0] == replyErr {
		return nil, errors.Errorf("relay: remote error: %s", b[1:])
	}
	return b[1:], nil
}
