package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"meetd-backend/internal/logging"

	"github.com/sethvargo/go-retry"
)

// Notifier reports events to a user. Implementations never block the
// caller and never return delivery failures to it.
type Notifier interface {
	Notify(ctx context.Context, to Recipient, ev Event)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, to Recipient, ev Event) {
	for _, n := range m {
		n.Notify(ctx, to, ev)
	}
}

type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Workers:     4,
		MaxAttempts: 5,
		Backoff:     time.Second,
		MaxBackoff:  time.Minute,
		Timeout:     10 * time.Second,
	}
}

// Dispatcher renders events, queues them and delivers them from a pool of
// workers with exponential backoff.
type Dispatcher struct {
	queue  Queue
	opts   Options
	client *http.Client
	log    logging.Logger
	now    func() time.Time
}

func NewDispatcher(queue Queue, opts Options, log logging.Logger) *Dispatcher {
	def := DefaultOptions()
	if opts.Workers < 1 {
		opts.Workers = def.Workers
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Dispatcher{
		queue:  queue,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		log:    log,
		now:    time.Now,
	}
}

// Notify renders ev for to and queues it. Users without a webhook are
// skipped; a full queue drops the event with a warning.
func (d *Dispatcher) Notify(ctx context.Context, to Recipient, ev Event) {
	if to.URL == "" {
		return
	}
	del, err := d.Render(to, ev)
	if err != nil {
		d.log.Error(ctx, "render webhook", "event", ev.Type(), "error", err)
		return
	}
	if err := d.queue.Enqueue(ctx, del); err != nil {
		d.log.Warn(ctx, "webhook dropped", "event", ev.Type(), "host", host(to.URL), "error", err)
	}
}

func (d *Dispatcher) Render(to Recipient, ev Event) (Delivery, error) {
	body, err := NewEnvelope(ev, d.now()).Marshal()
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Recipient: to, Event: ev.Type(), Body: body}, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		del, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		d.deliverWithRetry(ctx, del)
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, del Delivery) {
	backoff := retry.NewExponential(d.opts.Backoff)
	backoff = retry.WithCappedDuration(d.opts.MaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(d.opts.MaxAttempts-1), backoff)

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if _, err := d.Deliver(ctx, del); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		d.log.Error(ctx, "webhook delivery failed",
			"event", del.Event,
			"host", host(del.Recipient.URL),
			"attempts", attempts,
			"error", err,
		)
		return
	}
	d.log.Debug(ctx, "webhook delivered", "event", del.Event, "attempts", attempts)
}

// Deliver performs a single signed POST and returns the response status.
// Any non-2xx status is an error.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.Recipient.URL, bytes.NewReader(del.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "meetd-webhook/1")
	req.Header.Set(EventHeader, string(del.Event))
	req.Header.Set(SignatureHeader, Sign(del.Recipient.Secret, del.Body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
