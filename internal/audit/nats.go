package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "ptw.audit"

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on subject.<action>.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink returns a sink publishing below subject (DefaultSubject when empty).
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Record(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	subject := s.subject
	if ev.Action != "" {
		subject += "." + ev.Action
	}
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("audit: publish %s: %w", subject, err)
	}
	return nil
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: connect nats: %w", err)
	}
	return conn, nil
}
