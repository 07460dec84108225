// Package delivery implements DL: pushing finished report artifacts to
// customer-configured HTTP sinks, chunked at 1MiB, with bounded retry.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/internal/metrics"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/resilience"
)

const (
	attemptsCollection = "delivery_attempts"
	// ChunkSize is the maximum body size pushed in a single HTTP request;
	// larger payloads are split across sequential chunk requests.
	ChunkSize = 1 << 20
)

// SinkKind identifies the transport a Sink uses.
type SinkKind string

const (
	SinkHTTP SinkKind = "http"
)

// Sink is a customer-configured delivery destination.
type Sink struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Kind     SinkKind          `json:"kind"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Attempt records one delivery try, successful or not, for audit and
// for the retry_send_reports replay operation.
type Attempt struct {
	ID        string    `json:"id"`
	SinkID    string    `json:"sink_id"`
	Customer  string    `json:"customer"`
	PayloadID string    `json:"payload_id"`
	Chunks    int       `json:"chunks"`
	Attempts  int       `json:"attempts"`
	Succeeded bool      `json:"succeeded"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HTTPDoer is satisfied by *http.Client; narrowed for test seams.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher pushes report payloads to registered Sinks.
type Dispatcher struct {
	ds      *documentstore.Store
	client  HTTPDoer
	metrics *metrics.Registry
	log     *logrus.Logger
	limiter *rate.Limiter
}

// New constructs a Dispatcher. client defaults to http.DefaultClient
// when nil. Chunk sends are throttled to 50/s so a burst of large
// reports can't saturate a sink's ingress.
func New(ds *documentstore.Store, client HTTPDoer, reg *metrics.Registry, log *logrus.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{ds: ds, client: client, metrics: reg, log: log, limiter: rate.NewLimiter(rate.Limit(50), 10)}
}

// Send delivers payload to sink, splitting it into ChunkSize pieces and
// retrying the whole sequence with resilience.DeliveryRetryConfig on
// failure. The resulting Attempt is persisted regardless of outcome so
// retry_send_reports can find and replay it later.
func (d *Dispatcher) Send(ctx context.Context, sink Sink, payloadID string, payload []byte) (Attempt, error) {
	chunks := splitChunks(payload, ChunkSize)
	att := Attempt{
		ID:        uuid.NewString(),
		SinkID:    sink.ID,
		Customer:  sink.Customer,
		PayloadID: payloadID,
		Chunks:    len(chunks),
		CreatedAt: time.Now(),
	}

	cfg := resilience.DeliveryRetryConfig()
	err := resilience.Retry(ctx, cfg, func() error {
		att.Attempts++
		return d.pushChunks(ctx, sink, payloadID, chunks)
	})

	att.UpdatedAt = time.Now()
	outcome := "success"
	if err != nil {
		att.Succeeded = false
		att.LastError = err.Error()
		outcome = "failure"
	} else {
		att.Succeeded = true
	}
	if d.metrics != nil {
		d.metrics.DeliveryAttempt.WithLabelValues(string(sink.Kind), outcome).Inc()
	}

	if perr := documentstore.Put(ctx, d.ds, attemptsCollection, att.ID, sink.Customer, att); perr != nil {
		return att, perr
	}
	if err != nil {
		return att, internalerrors.Wrapf(err, internalerrors.KindUnavailable, "delivery: send to sink %s", sink.ID)
	}
	return att, nil
}

func (d *Dispatcher) pushChunks(ctx context.Context, sink Sink, payloadID string, chunks [][]byte) error {
	for i, chunk := range chunks {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(chunk))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Payload-Id", payloadID)
		req.Header.Set("X-Chunk-Index", fmt.Sprintf("%d", i))
		req.Header.Set("X-Chunk-Total", fmt.Sprintf("%d", len(chunks)))
		for k, v := range sink.Headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return internalerrors.Unavailable(fmt.Sprintf("delivery: sink %s returned %d", sink.ID, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return internalerrors.Newf(internalerrors.KindInternal, "delivery: sink %s rejected chunk with %d", sink.ID, resp.StatusCode)
		}
	}
	return nil
}

func splitChunks(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, len(payload)/size+1)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

// RetrySendReports replays every failed Attempt for customer, as driven
// by the scheduler's retry_send_reports tick. Sinks is a lookup of
// sink ID to Sink, since Attempts only record the ID.
func (d *Dispatcher) RetrySendReports(ctx context.Context, customer string, sinks map[string]Sink, payloads map[string][]byte) ([]Attempt, error) {
	page, err := documentstore.Query[Attempt](ctx, d.ds, attemptsCollection, customer, "", 0)
	if err != nil {
		return nil, err
	}

	var retried []Attempt
	for _, att := range page.Items {
		if att.Succeeded {
			continue
		}
		sink, ok := sinks[att.SinkID]
		if !ok {
			continue
		}
		payload, ok := payloads[att.PayloadID]
		if !ok {
			continue
		}
		result, err := d.Send(ctx, sink, att.PayloadID, payload)
		if err != nil {
			d.log.WithError(err).WithField("sink", sink.ID).Warn("delivery: retry_send_reports attempt failed")
		}
		retried = append(retried, result)
	}
	return retried, nil
}
