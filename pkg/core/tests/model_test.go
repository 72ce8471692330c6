package core_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/medshare/pkg/core"
)

func TestTimestampUnits(t *testing.T) {
	instant := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	cases := map[string]core.Timestamp{
		"seconds":      core.Timestamp(instant.Unix()),
		"milliseconds": core.Timestamp(instant.UnixMilli()),
		"microseconds": core.Timestamp(instant.UnixMicro()),
		"nanoseconds":  core.Timestamp(instant.UnixNano()),
	}
	for name, ts := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, instant.UnixMilli(), ts.Millis())
			assert.True(t, instant.Equal(ts.Time()))
		})
	}
}

func TestTimestampThresholds(t *testing.T) {
	// Just below the boundary is seconds; the boundary itself is milliseconds.
	assert.Equal(t, int64(9_999_999_999_000), core.Timestamp(9_999_999_999).Millis())
	assert.Equal(t, int64(10_000_000_000), core.Timestamp(10_000_000_000).Millis())

	assert.Equal(t, int64(9_999_999_999_999), core.Timestamp(9_999_999_999_999).Millis())
	assert.Equal(t, int64(10_000_000_000), core.Timestamp(10_000_000_000_000).Millis())

	assert.Equal(t, int64(10_000_000_000), core.Timestamp(10_000_000_000_000_000).Millis())
}

func TestTimestampJSON(t *testing.T) {
	var v struct {
		A core.Timestamp `json:"a"`
		B core.Timestamp `json:"b"`
		C core.Timestamp `json:"c"`
	}
	err := json.Unmarshal([]byte(`{"a": 1700000000, "b": "1700000000000", "c": null}`), &v)
	require.NoError(t, err)
	assert.Equal(t, v.A.Millis(), v.B.Millis())
	assert.Equal(t, core.Timestamp(0), v.C)

	err = json.Unmarshal([]byte(`{"a": "yesterday"}`), &v)
	assert.Error(t, err)
}

func TestEventFeedBounded(t *testing.T) {
	feed := core.NewEventFeed(3)
	for i := 0; i < 5; i++ {
		feed.Publish(core.Event{FileID: string(rune('a' + i))})
	}

	recent := feed.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].FileID)
	assert.Equal(t, "e", recent[2].FileID)

	last := feed.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "e", last[0].FileID)
}
