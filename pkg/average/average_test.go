package average

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyhelm/pkg/clock"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return epoch.Add(time.Duration(seconds * float64(time.Second)))
}

func strategies() map[string]func() Strategy {
	return map[string]func() Strategy{
		"window":   func() Strategy { return NewWindow(time.Hour) },
		"adaptive": func() Strategy { return NewAdaptive() },
	}
}

func TestSpeedScenario(t *testing.T) {
	for name, build := range strategies() {
		t.Run(name, func(t *testing.T) {
			s := build()
			s.Register(at(0), 2)
			s.Register(at(1), 4)
			s.Register(at(2), 6)

			mean, err := s.ComputeAt(at(2), 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, 4.0, mean)

			mean, err = s.ComputeAt(at(2), time.Second)
			require.NoError(t, err)
			assert.Equal(t, 5.0, mean)
		})
	}
}

func TestEmptyWindow(t *testing.T) {
	for name, build := range strategies() {
		t.Run(name, func(t *testing.T) {
			s := build()

			_, err := s.ComputeAt(at(0), time.Minute)
			require.ErrorIs(t, err, ErrEmptyWindow)

			s.Register(at(0), 1)
			_, err = s.ComputeAt(at(30), 10*time.Second)
			require.ErrorIs(t, err, ErrEmptyWindow)
		})
	}
}

func TestZeroDuration(t *testing.T) {
	s := NewWindow(time.Hour)
	s.Register(at(0), 3)
	s.Register(at(1), 9)

	mean, err := s.ComputeAt(at(1), 0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, mean)

	_, err = s.ComputeAt(at(1.5), 0)
	require.ErrorIs(t, err, ErrEmptyWindow)
}

func TestNegativeDuration(t *testing.T) {
	for name, build := range strategies() {
		t.Run(name, func(t *testing.T) {
			_, err := build().ComputeAt(at(0), -time.Second)
			require.ErrorIs(t, err, ErrNegativeDuration)
		})
	}
}

func TestFutureSamplesExcluded(t *testing.T) {
	s := NewWindow(time.Hour)
	s.Register(at(0), 1)
	s.Register(at(10), 100)

	mean, err := s.ComputeAt(at(5), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, mean)
}

func TestMeanMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for name, build := range strategies() {
		t.Run(name, func(t *testing.T) {
			s := build()
			var samples []Sample
			ts := epoch
			for i := 0; i < 2000; i++ {
				ts = ts.Add(time.Duration(1+rng.Intn(500)) * time.Millisecond)
				v := rng.Float64()*200 - 100
				s.Register(ts, v)
				samples = append(samples, Sample{Timestamp: ts, Value: v})
			}

			// Largest window first: Adaptive evicts beyond the largest window seen.
			for _, d := range []time.Duration{5 * time.Minute, time.Minute, 7 * time.Second, time.Second} {
				lower := ts.Add(-d)
				var sum float64
				var n int
				for _, smp := range samples {
					if !smp.Timestamp.Before(lower) {
						sum += smp.Value
						n++
					}
				}

				got, err := s.ComputeAt(ts, d)
				require.NoError(t, err, "window %v", d)
				assert.InDelta(t, sum/float64(n), got, 1e-9, "window %v", d)
			}
		})
	}
}

func TestWindowRetentionEvicts(t *testing.T) {
	w := NewWindow(10 * time.Second)
	for i := 0; i <= 60; i++ {
		w.Register(at(float64(i)), float64(i))
	}

	st := w.Stats()
	assert.Equal(t, 11, st.Count)
	assert.Equal(t, at(50), st.Oldest)
	assert.Equal(t, at(60), st.Newest)

	// Longer than the retention: averages what is left instead of failing.
	mean, err := w.ComputeAt(at(60), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 55.0, mean)
}

func TestWindowMaxSamples(t *testing.T) {
	w := NewWindow(0, WithMaxSamples(4))
	for i := 1; i <= 10; i++ {
		w.Register(at(float64(i)), float64(i))
	}

	assert.Equal(t, 4, w.Stats().Count)
	mean, err := w.ComputeAt(at(10), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 8.5, mean)
}

func TestAdaptiveEvictsBeyondLargestWindow(t *testing.T) {
	a := NewAdaptive()
	for i := 0; i < 100; i++ {
		a.Register(at(float64(i)), 1)
	}
	assert.Equal(t, 100, a.Stats().Count, "nothing is evicted before the first query")

	_, err := a.ComputeAt(at(99), 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, a.Largest())
	assert.Equal(t, 21, a.Stats().Count)

	// A smaller window does not shrink the horizon.
	_, err = a.ComputeAt(at(99), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, a.Largest())

	a.Register(at(100), 1)
	assert.Equal(t, at(80), a.Stats().Oldest)
}

func TestOutOfOrderTimestampIsClamped(t *testing.T) {
	w := NewWindow(time.Hour)
	w.Register(at(5), 10)
	w.Register(at(3), 20)

	st := w.Stats()
	assert.Equal(t, at(5), st.Newest)
	mean, err := w.ComputeAt(at(5), 0)
	require.NoError(t, err)
	assert.Equal(t, 15.0, mean)
}

func TestRebaseKeepsSumsExact(t *testing.T) {
	w := NewWindow(time.Second, WithMaxSamples(1<<20))
	for i := 0; i < 100000; i++ {
		w.Register(epoch.Add(time.Duration(i)*100*time.Millisecond), 1e6)
	}
	last := epoch.Add(99999 * 100 * time.Millisecond)

	mean, err := w.ComputeAt(last, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1e6, mean)
	assert.Equal(t, 11, w.Stats().Count)
}

func TestNonFiniteSamplesDropped(t *testing.T) {
	for name, build := range strategies() {
		for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
			t.Run(fmt.Sprintf("%s/%v", name, bad), func(t *testing.T) {
				s := build()
				s.Register(at(0), bad)
				assert.Zero(t, s.Stats().Count)
				_, err := s.ComputeAt(at(0), time.Second)
				require.ErrorIs(t, err, ErrEmptyWindow)

				s.Register(at(1), 4)
				s.Register(at(2), 6)
				s.Register(at(2), bad)

				mean, err := s.ComputeAt(at(2), time.Second)
				require.NoError(t, err)
				assert.Equal(t, 5.0, mean)
				assert.Equal(t, 2, s.Stats().Count)
			})
		}
	}
}

func TestMixedMagnitudes(t *testing.T) {
	for name, build := range strategies() {
		t.Run(name, func(t *testing.T) {
			s := build()
			s.Register(at(0), 1e17)
			s.Register(at(1), 1)
			s.Register(at(2), 2)

			mean, err := s.ComputeAt(at(2), time.Second)
			require.NoError(t, err)
			assert.Equal(t, 1.5, mean)
		})
	}

	t.Run("cancellation", func(t *testing.T) {
		w := NewWindow(time.Hour)
		w.Register(at(0), 1e17)
		w.Register(at(1), -1e17)
		w.Register(at(2), 0.5)

		mean, err := w.ComputeAt(at(2), 2*time.Second)
		require.NoError(t, err)
		assert.InDelta(t, 0.5/3, mean, 1e-12)
	})

	t.Run("after eviction", func(t *testing.T) {
		w := NewWindow(2 * time.Second)
		w.Register(at(0), 1e17)
		for i := 1; i <= 3; i++ {
			w.Register(at(float64(i)), float64(i))
		}
		require.Equal(t, 3, w.Stats().Count)

		mean, err := w.ComputeAt(at(3), 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2.0, mean)
	})
}

func TestComputeUsesClock(t *testing.T) {
	fc := clock.NewFake(at(0))
	w := NewWindow(time.Minute, WithClock(fc))
	w.Register(at(0), 4)

	mean, err := w.Compute(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4.0, mean)

	fc.Advance(5 * time.Second)
	_, err = w.Compute(time.Second)
	require.ErrorIs(t, err, ErrEmptyWindow)
}

func TestFactoriesBuildIndependentInstances(t *testing.T) {
	f := WindowFactory(time.Minute)
	a, b := f(), f()
	a.Register(at(0), 1)

	assert.Equal(t, 1, a.Stats().Count)
	assert.Equal(t, 0, b.Stats().Count)
}

// Every concurrent read must equal the mean of some prefix of the samples.
// Values are 1..n so prefix means are (k+1)/2 and any torn sum/count shows up.
func TestConcurrentComputeSeesPrefix(t *testing.T) {
	const n = 5000
	w := NewWindow(0, WithMaxSamples(n))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan float64, 1)

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				mean, err := w.ComputeAt(epoch.Add(time.Hour), 2*time.Hour)
				if err != nil {
					continue
				}
				k := 2*mean - 1
				if k != float64(int(k)) {
					select {
					case errs <- mean:
					default:
					}
				}
			}
		}()
	}

	for i := 1; i <= n; i++ {
		w.Register(epoch.Add(time.Duration(i)*time.Millisecond), float64(i))
	}
	close(stop)
	wg.Wait()

	select {
	case mean := <-errs:
		t.Fatalf("observed mean %v that matches no prefix", mean)
	default:
	}
}
