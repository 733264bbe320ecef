package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medimeet/adherence/internal/domain/dose"
)

func TestBusDeliversInOrderAndSurvivesPanics(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.Subscribe(func(context.Context, *dose.Event) { got = append(got, "first") })
	bus.Subscribe(func(context.Context, *dose.Event) { panic("boom") })
	unsubscribe := bus.Subscribe(func(context.Context, *dose.Event) { got = append(got, "third") })

	ev := &dose.Event{EventType: dose.EventDoseTaken, OccurrenceID: "o1"}
	bus.Publish(context.Background(), ev)
	assert.Equal(t, []string{"first", "third"}, got)

	unsubscribe()
	bus.Publish(context.Background(), ev)
	assert.Equal(t, []string{"first", "third", "first"}, got)
}
