package logging

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// CloudWatchAPI defines the subset of the CloudWatch Logs client the sink
// uses. This allows mocking in tests.
type CloudWatchAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// NewCloudWatchClient creates a CloudWatch Logs client, optionally pointed
// at a custom endpoint (e.g. LocalStack).
func NewCloudWatchClient(cfg aws.Config, endpoint string) *cloudwatchlogs.Client {
	return cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

const (
	defaultQueueSize     = 1024
	defaultFlushInterval = 2 * time.Second

	// PutLogEvents limits. Each event costs its message plus 26 bytes.
	maxBatchEvents = 10000
	maxBatchBytes  = 1 << 20
	maxEventBytes  = 256<<10 - eventOverhead
	eventOverhead  = 26
)

// CloudWatchWriter is an io.Writer that turns every Write into one log
// event for a CloudWatch Logs stream. slog handlers issue exactly one Write
// per record, so a handler over this writer yields one event per record.
//
// Write only enqueues. A background goroutine batches events and ships them
// on a timer, on Flush and on Close, so a slow or failing CloudWatch never
// stalls the caller. Events that do not fit in the queue, or that
// CloudWatch rejects, are dropped and counted.
type CloudWatchWriter struct {
	client   CloudWatchAPI
	group    string
	stream   string
	timeout  time.Duration
	interval time.Duration

	events  chan types.InputLogEvent
	flushes chan chan struct{}
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once

	dropped atomic.Int64
	onError func(error)
}

// CloudWatchOption customizes a CloudWatchWriter.
type CloudWatchOption func(*CloudWatchWriter)

// WithQueueSize sets how many events may wait for delivery before Write
// starts dropping them.
func WithQueueSize(n int) CloudWatchOption {
	return func(w *CloudWatchWriter) {
		if n > 0 {
			w.events = make(chan types.InputLogEvent, n)
		}
	}
}

// WithFlushInterval sets how often queued events are shipped.
func WithFlushInterval(d time.Duration) CloudWatchOption {
	return func(w *CloudWatchWriter) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewCloudWatchWriter creates the log group and stream when missing and
// starts delivery to the stream. Every PutLogEvents call is bounded by
// timeout. Callers should Close the writer to ship what is still queued.
func NewCloudWatchWriter(ctx context.Context, client CloudWatchAPI, group, stream string, timeout time.Duration, opts ...CloudWatchOption) (*CloudWatchWriter, error) {
	w := &CloudWatchWriter{
		client:   client,
		group:    group,
		stream:   stream,
		timeout:  timeout,
		interval: defaultFlushInterval,
		events:   make(chan types.InputLogEvent, defaultQueueSize),
		flushes:  make(chan chan struct{}),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
		// Reporting through slog would feed the failure back into this sink.
		onError: func(err error) { fmt.Fprintf(os.Stderr, "cloudwatch: %v\n", err) },
	}
	for _, opt := range opts {
		opt(w)
	}

	_, err := client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
	})
	if err != nil && !isAlreadyExists(err) {
		return nil, fmt.Errorf("creating log group %q: %w", group, err)
	}

	_, err = client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	if err != nil && !isAlreadyExists(err) {
		return nil, fmt.Errorf("creating log stream %q: %w", stream, err)
	}

	go w.run()
	return w, nil
}

// Write queues p as a single log event. Trailing newlines are trimmed. It
// never blocks and never fails; an event that cannot be queued is dropped.
func (w *CloudWatchWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg == "" {
		return len(p), nil
	}
	if len(msg) > maxEventBytes {
		msg = strings.ToValidUTF8(msg[:maxEventBytes], "")
	}
	ev := types.InputLogEvent{
		Message:   aws.String(msg),
		Timestamp: aws.Int64(time.Now().UnixMilli()),
	}

	select {
	case <-w.closing:
		w.dropped.Add(1)
		return len(p), nil
	default:
	}

	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Flush ships every event queued before the call and waits for delivery or
// for ctx to end.
func (w *CloudWatchWriter) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.flushes <- ack:
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, ships what is queued and waits for the
// delivery goroutine to finish or for ctx to end. It is safe to call more
// than once.
func (w *CloudWatchWriter) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.closing) })
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many events were discarded because the queue was
// full, the writer was closed or CloudWatch rejected them.
func (w *CloudWatchWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *CloudWatchWriter) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var b batch
	for {
		select {
		case ev := <-w.events:
			w.add(&b, ev)
		case <-ticker.C:
			w.send(b.take())
		case ack := <-w.flushes:
			w.drain(&b)
			w.send(b.take())
			close(ack)
		case <-w.closing:
			w.drain(&b)
			w.send(b.take())
			return
		}
	}
}

// add appends ev to b, shipping b first when ev would push it past the
// PutLogEvents limits.
func (w *CloudWatchWriter) add(b *batch, ev types.InputLogEvent) {
	size := len(aws.ToString(ev.Message)) + eventOverhead
	if len(b.events) == maxBatchEvents || b.bytes+size > maxBatchBytes {
		w.send(b.take())
	}
	b.events = append(b.events, ev)
	b.bytes += size
}

func (w *CloudWatchWriter) drain(b *batch) {
	for {
		select {
		case ev := <-w.events:
			w.add(b, ev)
		default:
			return
		}
	}
}

func (w *CloudWatchWriter) send(events []types.InputLogEvent) {
	if len(events) == 0 {
		return
	}
	// Concurrent writers may enqueue slightly out of order; CloudWatch
	// requires ascending timestamps within a call.
	slices.SortStableFunc(events, func(a, b types.InputLogEvent) int {
		return cmp.Compare(aws.ToInt64(a.Timestamp), aws.ToInt64(b.Timestamp))
	})

	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	_, err := w.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(w.group),
		LogStreamName: aws.String(w.stream),
		LogEvents:     events,
	})
	if err != nil {
		w.dropped.Add(int64(len(events)))
		w.onError(fmt.Errorf("putting %d log events to %s/%s: %w", len(events), w.group, w.stream, err))
	}
}

// batch accumulates events for one PutLogEvents call.
type batch struct {
	events []types.InputLogEvent
	bytes  int
}

func (b *batch) take() []types.InputLogEvent {
	events := b.events
	b.events = nil
	b.bytes = 0
	return events
}

// Handler returns a JSON slog handler writing to w.
func (w *CloudWatchWriter) Handler(level string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
}

func isAlreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}
