package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestGenerateIsMonotonic(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	sf, err := NewSnowflake(7, clk)
	require.NoError(t, err)

	prev := sf.Generate()
	for i := 0; i < 5000; i++ {
		id := sf.Generate()
		require.Greater(t, id, prev)
		prev = id
	}

	// clock moves backwards, ids keep increasing
	clk.SetTime(clk.Now().Add(-time.Second))
	assert.Greater(t, sf.Generate(), prev)
}

func TestParseID(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sf, err := NewSnowflake(42, testingclock.NewFakePassiveClock(now))
	require.NoError(t, err)

	id := sf.Generate()
	ts, machine, seq := sf.ParseID(id)
	assert.Equal(t, now.UnixMilli(), ts)
	assert.Equal(t, int64(42), machine)
	assert.Equal(t, int64(0), seq)
	assert.True(t, sf.Time(id).Equal(now))
}

func TestInvalidMachineID(t *testing.T) {
	_, err := NewSnowflake(1024, nil)
	assert.Error(t, err)
	_, err = NewSnowflake(-1, nil)
	assert.Error(t, err)
}
