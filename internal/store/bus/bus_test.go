package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kissdb/kissengine/internal/store/logrecord"
)

func publishOne(b *Bus) logrecord.Event {
	rec := b.NextRecord(logrecord.StateUpdated, json.RawMessage(`{}`))
	b.Publish(rec)
	return rec
}

func TestReplaySinceReturnsRingTail(t *testing.T) {
	b := New(4, 4)
	var last logrecord.Event
	for i := 0; i < 3; i++ {
		last = publishOne(b)
	}
	replayed := b.ReplaySince(0)
	require.Len(t, replayed, 3)
	require.Equal(t, last.Offset, replayed[len(replayed)-1].Offset)

	require.Empty(t, b.ReplaySince(last.Offset))
}

func TestSubscribeDeliversLiveRecords(t *testing.T) {
	b := New(8, 4)
	sub := b.Subscribe()
	defer sub.Close()

	rec := publishOne(b)
	select {
	case got := <-sub.Records:
		require.Equal(t, rec.Offset, got.Offset)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered record")
	}
}

// TestZeroCapacitySubscriberAlwaysLags covers spec's zero-capacity
// boundary: with subCap 0, Subscribe must hand back an unbuffered
// channel, so a publish with no receiver already parked on it lags
// immediately instead of being silently buffered.
func TestZeroCapacitySubscriberAlwaysLags(t *testing.T) {
	b := New(8, 0)
	sub := b.Subscribe()
	defer sub.Close()

	publishOne(b)

	select {
	case n := <-sub.Lagged:
		require.EqualValues(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate lag notification for a zero-capacity subscriber")
	}

	select {
	case <-sub.Records:
		t.Fatal("zero-capacity subscriber should never receive a buffered record")
	default:
	}
}

func TestSlowSubscriberLagsWithoutBlockingPublish(t *testing.T) {
	b := New(8, 1)
	sub := b.Subscribe()
	defer sub.Close()

	// Fill the one-slot buffer, then publish again without draining: the
	// second publish must lag instead of blocking.
	publishOne(b)
	publishOne(b)

	select {
	case n := <-sub.Lagged:
		require.GreaterOrEqual(t, n, uint64(1))
	case <-time.After(time.Second):
		t.Fatal("expected a lag notification once the subscriber's buffer is full")
	}
}

func TestUnsubscribeClosesRecordsChannel(t *testing.T) {
	b := New(4, 4)
	sub := b.Subscribe()
	sub.Close()

	_, ok := <-sub.Records
	require.False(t, ok)

	// Closing twice must not panic.
	sub.Close()
}

func TestSetNextOffsetOnlyAdvances(t *testing.T) {
	b := New(4, 4)
	b.SetNextOffset(10)
	rec := b.NextRecord(logrecord.StateUpdated, nil)
	require.EqualValues(t, 10, rec.Offset)

	// A lower value must never roll the counter backwards.
	b.SetNextOffset(1)
	rec2 := b.NextRecord(logrecord.StateUpdated, nil)
	require.EqualValues(t, 11, rec2.Offset)
}
