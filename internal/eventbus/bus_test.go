package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()
	all, unsubAll := b.Subscribe(4, "")
	defer unsubAll()

	b.Publish(Event{Type: "job.started"})
	b.Publish(Event{Type: "config.reloaded"})

	require.Len(t, jobs, 1)
	require.Len(t, all, 2)
	e := <-jobs
	require.Equal(t, "job.started", e.Type)
	require.False(t, e.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1, "")
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	require.EqualValues(t, 1, b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1, "")
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}
