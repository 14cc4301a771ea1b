package eventbus

import (
	"context"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(natsAddr, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsAddr, nats.NoEcho(), nats.Name("splitstreamer"))
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e *Event) error {
	msg, err := e.ToJSON()
	if err != nil {
		return err
	}

	return p.nc.Publish(p.subject, msg)
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
