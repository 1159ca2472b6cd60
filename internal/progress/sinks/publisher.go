package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/bulk-registrar/internal/progress"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// PublisherSink forwards every event to a registrar.Publisher, one message
// per event.
type PublisherSink struct {
	publisher registrar.Publisher
	topic     string
}

// NewPublisherSink returns a sink publishing to topic. An empty topic defers
// to the publisher's default.
func NewPublisherSink(publisher registrar.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes the batch in order. It keeps going after a failure and
// returns the joined errors.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", evt.Stage, evt.SubjectID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
