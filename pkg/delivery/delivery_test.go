package delivery

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
)

type fakeDoer struct {
	calls     int32
	failUntil int32
	status    int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	if n <= f.failUntil {
		status = http.StatusServiceUnavailable
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func newTestDispatcher(t *testing.T, doer HTTPDoer) (*Dispatcher, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	return New(ds, doer, nil, nil), mock
}

func TestSendSucceedsOnFirstAttempt(t *testing.T) {
	doer := &fakeDoer{}
	d, mock := newTestDispatcher(t, doer)
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1))

	sink := Sink{ID: "sink-1", Customer: "acme", Kind: SinkHTTP, URL: "https://example.invalid/hook"}
	att, err := d.Send(context.Background(), sink, "payload-1", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, att.Succeeded)
	assert.Equal(t, 1, att.Attempts)
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	doer := &fakeDoer{failUntil: 2}
	d, mock := newTestDispatcher(t, doer)
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1))

	sink := Sink{ID: "sink-1", Customer: "acme", Kind: SinkHTTP, URL: "https://example.invalid/hook"}
	att, err := d.Send(context.Background(), sink, "payload-1", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, att.Succeeded)
	assert.Equal(t, 3, att.Attempts)
}

func TestSplitChunksDividesLargePayload(t *testing.T) {
	payload := make([]byte, ChunkSize*2+10)
	chunks := splitChunks(payload, ChunkSize)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], ChunkSize)
	assert.Len(t, chunks[2], 10)
}

func TestSplitChunksEmptyPayloadYieldsOneChunk(t *testing.T) {
	chunks := splitChunks(nil, ChunkSize)
	assert.Len(t, chunks, 1)
}
