/*
Package average computes sliding-window moving averages over a stream of
timestamped samples with bounded memory.

# Strategies

Every quantity owns one Strategy:

  - Window: keeps the last Retention of samples. Eviction happens on insert.
  - Adaptive: keeps what the largest window ever requested can still reach.
    Eviction happens on insert and on query.

Both cap the number of retained samples (DefaultMaxSamples unless
WithMaxSamples is given).

# Complexity

Samples live in a deque ordered by timestamp. Each entry stores the running
sum of every value appended before it, so a query is two binary searches and
one subtraction:

	mean[i..j] = (e[j].before + e[j].value - e[i].before) / (j - i + 1)

Compute is O(log n) regardless of the window size. Running sums are
compensated (each carries its own rounding error), so a large sample does not
wipe out the precision of later differences. They are rebased at most once
per n evictions, which keeps appends amortized O(1).

NaN and infinite samples are dropped on Register.

# Usage

	w := average.NewWindow(10 * time.Minute)
	w.Register(time.Now(), 6.2)

	speed, err := w.Compute(2 * time.Second)
	if errors.Is(err, average.ErrEmptyWindow) {
	    // nothing sampled in the last two seconds
	}
*/
package average
