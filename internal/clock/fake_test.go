package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowOnlyMovesOnAdvance(t *testing.T) {
	c := Fake(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, epoch.Add(90*time.Minute), c.Now())

	c.Set(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Minute)
	defer tk.Stop()

	select {
	case <-tk.C:
		t.Fatal("ticker fired before the clock moved")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case got := <-tk.C:
		assert.Equal(t, epoch.Add(time.Minute), got)
	default:
		t.Fatal("expected a tick after one interval")
	}

	// Three intervals at once: one buffered tick, the rest dropped.
	c.Advance(3 * time.Minute)
	require.Len(t, tk.C, 1)
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(time.Minute)
	assert.Len(t, tk.C, 0)
}

func TestFakeTickerPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { Fake(epoch).NewTicker(0) })
}
