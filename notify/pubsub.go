package notify

import (
	"context"
	"strconv"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"cloud.google.com/go/pubsub"
)

// Publisher hands one encoded notice to the transport and returns its message id.
type Publisher interface {
	Publish(ctx context.Context, rec models.NoticeOutbox) (string, error)
}

// PubSubPublisher publishes notices to one topic consumed by the chat bot.
type PubSubPublisher struct {
	Topic *pubsub.Topic
}

func NewPubSubPublisher(topic *pubsub.Topic) *PubSubPublisher {
	return &PubSubPublisher{Topic: topic}
}

func (p *PubSubPublisher) Publish(ctx context.Context, rec models.NoticeOutbox) (string, error) {
	res := p.Topic.Publish(ctx, &pubsub.Message{
		Data: rec.Body,
		Attributes: map[string]string{
			"kind":           string(rec.Kind),
			"recipient":      strconv.Itoa(rec.Recipient),
			"request_id":     strconv.Itoa(rec.RequestId),
			"correlation_id": rec.CorrelationId,
		},
	})
	return res.Get(ctx)
}
