package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/bulk-registrar/internal/progress"
	pubmemory "github.com/JakeFAU/bulk-registrar/internal/publisher/memory"
)

func TestPublisherSinkForwardsEvents(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	sink := NewPublisherSink(pub, "registrar-events")
	evt := progress.Event{
		Stage:     progress.StagePaymentPaid,
		TS:        time.Unix(1700000000, 0).UTC(),
		Owner:     "u",
		SubjectID: "pay-1",
		Amount:    29000,
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))

	msgs := pub.Topic("registrar-events")
	require.Len(t, msgs, 1)
	require.Contains(t, string(msgs[0].Data), `"stage":"PAYMENT_PAID"`)
	require.Contains(t, string(msgs[0].Data), `"subject_id":"pay-1"`)
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	pub.FailWith(errors.New("broker down"))
	sink := NewPublisherSink(pub, "t")
	evt := progress.Event{Stage: progress.StagePaymentFailed, TS: time.Now(), Owner: "u", SubjectID: "p"}

	err := sink.Consume(context.Background(), []progress.Event{evt, evt})
	require.ErrorContains(t, err, "broker down")
	require.NoError(t, NewPublisherSink(nil, "t").Consume(context.Background(), []progress.Event{evt}))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	batch := []progress.Event{
		{Stage: progress.StageUsageLimit, TS: time.Now(), Owner: "u", Feature: "stored_products", Current: 10, Limit: 10},
		{Stage: progress.StageCrawlTransition, TS: time.Now(), Owner: "u", SubjectID: "c", To: "RUNNING"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	require.Equal(t, "stored_products", entries[0].ContextMap()["feature"])
	require.Equal(t, zap.InfoLevel, entries[1].Level)
	require.Equal(t, "c", entries[1].ContextMap()["subject_id"])
}
