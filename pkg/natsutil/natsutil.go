// Package natsutil provides typed JSON publish, subscribe and request
// helpers over NATS with OpenTelemetry trace propagation in the message
// headers.
package natsutil

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier adapts nats.Msg headers to the OTel TextMapCarrier
// interface. Consumers that subscribe raw, for access to reply subjects or
// retry headers, use it to extract trace context themselves.
type HeaderCarrier nats.Msg

func (c *HeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *HeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *HeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publish marshals v as JSON and publishes it on subject, carrying the
// trace context from ctx in the message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*HeaderCarrier)(msg))
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler for JSON messages of type T on subject.
// The handler context carries any trace context found in the message
// headers. Messages that fail to decode are dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*HeaderCarrier)(msg))
		handler(ctx, v)
	})
}

// Request sends a JSON request on subject and decodes the JSON reply. The
// call is bounded by the ctx deadline, or by nats.DefaultTimeout when ctx
// has none.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	data, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*HeaderCarrier)(msg))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var out Resp
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return zero, err
	}
	return out, nil
}
