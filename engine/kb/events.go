package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/poolai/knowledge-engine/engine/domain"
	"github.com/poolai/knowledge-engine/pkg/natsutil"
)

const (
	// SubjectPrefix is the root of all document-event subjects.
	SubjectPrefix = "knowledge.documents"
	// SubjectCreated carries new documents.
	SubjectCreated = SubjectPrefix + ".created"
	// SubjectUpdated carries replacement content for existing documents.
	SubjectUpdated = SubjectPrefix + ".updated"
	// SubjectDeleted carries ids of removed documents.
	SubjectDeleted = SubjectPrefix + ".deleted"
	// SubjectDLQ receives events that exhausted their retries.
	SubjectDLQ = SubjectPrefix + ".dlq"
	// MaxRetries before an event goes to the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// DocumentEvent is the wire form of one document mutation. Deleted events
// carry only the id.
type DocumentEvent struct {
	Document domain.Document `json:"document,omitempty"`
	ID       string          `json:"id,omitempty"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Subject string        `json:"subject"`
	Event   DocumentEvent `json:"event"`
	Error   string        `json:"error"`
	Retries int           `json:"retries"`
}

// PublishCreated publishes a created event for producers.
func PublishCreated(ctx context.Context, nc *nats.Conn, doc domain.Document) error {
	return natsutil.Publish(ctx, nc, SubjectCreated, DocumentEvent{Document: doc})
}

// PublishUpdated publishes an updated event.
func PublishUpdated(ctx context.Context, nc *nats.Conn, doc domain.Document) error {
	return natsutil.Publish(ctx, nc, SubjectUpdated, DocumentEvent{Document: doc})
}

// PublishDeleted publishes a deleted event.
func PublishDeleted(ctx context.Context, nc *nats.Conn, id string) error {
	return natsutil.Publish(ctx, nc, SubjectDeleted, DocumentEvent{ID: id})
}

// StartConsumer subscribes to all document-event subjects and applies each
// event through the service. Failed events are re-published with an
// incremented retry header; after MaxRetries they go to the DLQ.
func StartConsumer(nc *nats.Conn, svc *Service, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}

	return nc.Subscribe(SubjectPrefix+".*", func(msg *nats.Msg) {
		if msg.Subject == SubjectDLQ {
			return
		}

		var event DocumentEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Error("events: unmarshal failed", "subject", msg.Subject, "err", err)
			return
		}

		ctx := context.Background()
		if err := apply(ctx, svc, msg.Subject, event); err != nil {
			retry(nc, msg, event, err, logger)
			return
		}
		logger.Info("events: applied", "subject", msg.Subject, "document_id", eventID(event))
	})
}

// apply dispatches one event to the matching service operation.
func apply(ctx context.Context, svc *Service, subject string, event DocumentEvent) error {
	switch subject {
	case SubjectCreated:
		return svc.OnDocumentCreated(ctx, event.Document)
	case SubjectUpdated:
		return svc.OnDocumentUpdated(ctx, event.Document)
	case SubjectDeleted:
		return svc.OnDocumentDeleted(ctx, eventID(event))
	default:
		return fmt.Errorf("events: unknown subject %q", subject)
	}
}

func eventID(event DocumentEvent) string {
	if event.ID != "" {
		return event.ID
	}
	return event.Document.ID
}

// retry re-publishes the message with an incremented retry count, or routes
// it to the DLQ once retries are exhausted. Validation failures are
// permanent and go straight to the DLQ.
func retry(nc *nats.Conn, msg *nats.Msg, event DocumentEvent, cause error, logger *slog.Logger) {
	retries := 0
	if msg.Header != nil {
		if v := msg.Header.Get(retryHeader); v != "" {
			fmt.Sscanf(v, "%d", &retries)
		}
	}
	retries++

	var vErr *domain.ValidationError
	permanent := errors.As(cause, &vErr) || strings.Contains(cause.Error(), "unknown subject")

	logger.Error("events: apply failed",
		"subject", msg.Subject,
		"document_id", eventID(event),
		"retry", retries,
		"permanent", permanent,
		"err", cause)

	if permanent || retries >= MaxRetries {
		dlq := dlqMessage{Subject: msg.Subject, Event: event, Error: cause.Error(), Retries: retries}
		data, _ := json.Marshal(dlq)
		if err := nc.Publish(SubjectDLQ, data); err != nil {
			logger.Error("events: DLQ publish failed", "err", err)
		}
		return
	}

	retryMsg := nats.NewMsg(msg.Subject)
	retryMsg.Data = msg.Data
	retryMsg.Header = nats.Header{}
	retryMsg.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
	if err := nc.PublishMsg(retryMsg); err != nil {
		logger.Error("events: retry publish failed", "err", err)
	}
}
