package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/QuillAI/quill-engine/engine/domain"
	"github.com/QuillAI/quill-engine/pkg/natsutil"
)

// retryHeader carries the attempt count across republishes.
const retryHeader = "X-Retry-Count"

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Doc     domain.Document `json:"doc"`
	Error   string          `json:"error"`
	Retries int             `json:"retries"`
}

// StartConsumer subscribes to IngestSubject and runs each JSON document
// through the service. Failed documents are republished with an incremented
// retry header; after MaxRetries they go to the DLQ subject instead. Trace
// context is extracted from message headers.
func StartConsumer(nc *nats.Conn, svc *Service) (*nats.Subscription, error) {
	log := svc.log

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var doc domain.Document
		if err := json.Unmarshal(msg.Data, &doc); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsutil.HeaderCarrier)(msg))

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		receipt, err := svc.Ingest(ctx, doc)
		switch {
		case err != nil:
			retries++
			log.Error("ingest: pipeline failed",
				"error", err,
				"source_uri", doc.SourceURI,
				"retry", retries,
			)

			if retries >= MaxRetries {
				dlq := dlqMessage{Doc: doc, Error: err.Error(), Retries: retries}
				if err := natsutil.Publish(ctx, nc, DLQSubject, dlq); err != nil {
					log.Error("ingest: DLQ publish failed", "error", err)
				}
			} else {
				retry := nats.NewMsg(IngestSubject)
				retry.Data = msg.Data
				retry.Header = nats.Header{}
				retry.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
				if err := nc.PublishMsg(retry); err != nil {
					log.Error("ingest: retry publish failed", "error", err)
				}
			}
		case receipt.Skipped:
			log.Info("ingest: duplicate skipped", "doc_id", receipt.DocID)
		default:
			log.Info("ingest: success", "doc_id", receipt.DocID, "chunks", receipt.Chunks)
		}

		// Ack if JetStream.
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
