package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicQualification(t *testing.T) {
	b := New("flatnas", nil)

	assert.Equal(t, "flatnas:widget-ready", b.Topic("widget-ready"))
	assert.Equal(t, "flatnas:widget-ready", b.Topic("flatnas:widget-ready"))
}

func TestSubscribeAndEmit(t *testing.T) {
	b := New("flatnas", nil)

	var got interface{}
	b.Subscribe("ping", func(detail interface{}) { got = detail })

	b.Emit("ping", 42)
	assert.Equal(t, 42, got)
}

func TestEmitQualifiedAndBareFormsMatch(t *testing.T) {
	b := New("flatnas", nil)

	count := 0
	b.Subscribe("flatnas:ping", func(detail interface{}) { count++ })

	b.Emit("ping", nil)
	b.Emit("flatnas:ping", nil)
	assert.Equal(t, 2, count)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New("flatnas", nil)

	count := 0
	unsub := b.Subscribe("ping", func(detail interface{}) { count++ })

	b.Emit("ping", nil)
	unsub()
	unsub()
	b.Emit("ping", nil)

	assert.Equal(t, 1, count)
}

func TestTapSeesAllTopics(t *testing.T) {
	b := New("flatnas", nil)

	var topics []string
	untap := b.Tap(func(topic string, detail interface{}) {
		topics = append(topics, topic)
	})

	b.Emit("alpha", nil)
	b.Emit("beta", nil)
	untap()
	b.Emit("gamma", nil)

	assert.Equal(t, []string{"flatnas:alpha", "flatnas:beta"}, topics)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New("flatnas", nil)

	survived := false
	b.Subscribe("ping", func(detail interface{}) { panic("bad handler") })
	b.Subscribe("ping", func(detail interface{}) { survived = true })

	assert.NotPanics(t, func() { b.Emit("ping", nil) })
	assert.True(t, survived)
}
