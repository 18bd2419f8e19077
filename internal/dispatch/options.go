package dispatch

import (
	"math/rand"
	"time"
)

// Options tunes the dispatcher. Zero values take the defaults below.
type Options struct {
	// Interval between ticks. cron.Every rounds anything under a second up to one second.
	Interval time.Duration
	// Workers bounds concurrent start/poll goroutines within one tick.
	Workers  int

	// StartMaxAttempts marks a record failed after this many failed starts.
	// 0 uses the default; < 0 retries forever.
	StartMaxAttempts int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	// RetryJitter is the +/- fraction applied to each delay; < 0 disables it.
	RetryJitter      float64
}

const (
	DefaultInterval         = 2 * time.Second
	DefaultWorkers          = 8
	DefaultStartMaxAttempts = 10
	DefaultRetryBase        = 2 * time.Second
	DefaultRetryMaxDelay    = 5 * time.Minute
	DefaultRetryJitter      = 0.2
)

func (o Options) withDefaults() Options {
	out := o
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.StartMaxAttempts == 0 {
		out.StartMaxAttempts = DefaultStartMaxAttempts
	}
	if out.RetryBase <= 0 {
		out.RetryBase = DefaultRetryBase
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if out.RetryMaxDelay < out.RetryBase {
		out.RetryMaxDelay = out.RetryBase
	}
	switch {
	case out.RetryJitter == 0:
		out.RetryJitter = DefaultRetryJitter
	case out.RetryJitter < 0:
		out.RetryJitter = 0
	case out.RetryJitter > 1:
		out.RetryJitter = 1
	}
	return out
}

// exhausted reports whether a record that has now failed attempts times
// should stop retrying.
func (o Options) exhausted(attempts int) bool {
	return o.StartMaxAttempts > 0 && attempts >= o.StartMaxAttempts
}

// backoffDelay returns the wait before retry number retry (1 = first retry):
// base doubled per retry, capped at max, then spread by +/- jitter.
func backoffDelay(opt Options, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	if opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	return d
}
