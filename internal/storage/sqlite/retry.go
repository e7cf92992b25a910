package sqlite

import (
	"math/rand/v2"
	"strings"
	"time"
)

// RetryPolicy shapes the backoff used while the database file is busy.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Jitter   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 7,
		Base:     50 * time.Millisecond,
		Cap:      2 * time.Second,
		Jitter:   0.25,
	}
}

// RetryOnBusy retries fn while sqlite reports the database busy or locked.
// Writers contending on the single file hit this under normal load; any
// other error returns immediately.
func RetryOnBusy(fn func() error) error {
	return retryBusy(DefaultRetryPolicy(), fn, time.Sleep)
}

func retryBusy(policy RetryPolicy, fn func() error, sleep func(time.Duration)) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) || attempt == policy.Attempts {
			return err
		}
		sleep(policy.delay(attempt))
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d + time.Duration(float64(d)*rand.Float64()*p.Jitter)
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
