package audit

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is where audit entries are fanned out, one subject per account.
const SubjectPrefix = "assets.audit."

// Publisher ships serialized entries to subscribers.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subject returns the fan-out subject for accountID. NATS token separators
// and wildcards in the id are replaced.
func Subject(accountID string) string {
	return SubjectPrefix + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(accountID)
}

// NatsPublisher publishes over a core NATS connection.
type NatsPublisher struct {
	nc *nats.Conn
}

// NewNats dials url and keeps reconnecting in the background.
func NewNats(url string, log *zap.Logger) (*NatsPublisher, error) {
	log = log.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name("assetgw-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{nc: nc}, nil
}

func (p *NatsPublisher) Publish(subject string, data []byte) error {
	return p.nc.Publish(subject, data)
}

// Close drains pending messages and closes the connection.
func (p *NatsPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
