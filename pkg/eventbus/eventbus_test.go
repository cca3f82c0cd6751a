package eventbus

import (
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/trellis/pkg/models"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	zapLogger, _ := zap.NewDevelopment()
	b := New(zapadapter.NewZapEctoLogger(zapLogger, nil))
	t.Cleanup(b.Stop)
	return b
}

func TestPublishAppendsHistory(t *testing.T) {
	b := testBus(t)
	evt := models.StepEvent{PlanID: "p1", StepID: "s1", State: models.StepRunning}
	b.Publish(evt)

	history := b.History("p1")
	require.Len(t, history, 1)
	require.Equal(t, "s1", history[0].StepID)
}

func TestHistoryIsCapped(t *testing.T) {
	b := testBus(t)
	for i := 0; i < HistoryLimit+10; i++ {
		b.Publish(models.StepEvent{PlanID: "p1", StepID: "s1", State: models.StepRunning})
	}
	require.Len(t, b.History("p1"), HistoryLimit)
}

func TestSubscribeReceivesNewEvents(t *testing.T) {
	b := testBus(t)
	sub, cancel := b.Subscribe("p1")
	defer cancel()

	b.Publish(models.StepEvent{PlanID: "p1", StepID: "s1", State: models.StepRunning})

	select {
	case evt := <-sub.Events():
		require.Equal(t, "s1", evt.StepID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeDoesNotSeePriorHistory(t *testing.T) {
	b := testBus(t)
	b.Publish(models.StepEvent{PlanID: "p1", StepID: "s0", State: models.StepRunning})

	sub, cancel := b.Subscribe("p1")
	defer cancel()

	select {
	case <-sub.Events():
		t.Fatal("unexpected event delivered before subscription")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := testBus(t)
	sub, cancel := b.Subscribe("p1")
	defer cancel()

	for i := 0; i < SubscriberBuffer+10; i++ {
		b.Publish(models.StepEvent{PlanID: "p1", StepID: "s1", State: models.StepRunning})
	}

	drained := 0
	for {
		select {
		case <-sub.Events():
			drained++
		default:
			require.LessOrEqual(t, drained, SubscriberBuffer)
			return
		}
	}
}
