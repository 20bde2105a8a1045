package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository/memory"
	intakesvc "github.com/acme/conversation-campaign/internal/service/intake"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool

	fetchErrors int
	fetchCalls  int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.fetchCalls++
	if r.fetchErrors > 0 {
		r.fetchErrors--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker not available")
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type flakySubmitter struct {
	inner    Submitter
	failures int
	mu       sync.Mutex
}

func (f *flakySubmitter) Submit(ctx context.Context, req *domain.BatchRequest) (*domain.BatchRequest, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.inner.Submit(ctx, req)
}

func runUntil(t *testing.T, c *Consumer, reader *fakeReader, commits int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) >= commits }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumerStoresRequestsAndSkipsDuplicates(t *testing.T) {
	repo := memory.NewBatchRequestRepository()
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"id":"r1","recipients":["u1"]}`)},
		{Offset: 2, Value: []byte(`{"id":"r1","recipients":["u2"]}`)},
		{Offset: 3, Value: []byte(`not json`)},
		{Offset: 4, Key: []byte("r2"), Value: []byte(`{"recipients":["u3"]}`)},
	}}
	c := NewConsumer(reader, intakesvc.NewService(repo, nil), nil)

	runUntil(t, c, reader, 4)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits())
	assert.True(t, reader.closed)

	r1, err := repo.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, r1.Recipients)
	assert.Equal(t, domain.BatchRequestStatusNew, r1.Status)

	r2, err := repo.Get(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, r2.Recipients)
}

func TestConsumerRetriesStoreOutage(t *testing.T) {
	repo := memory.NewBatchRequestRepository()
	reader := &fakeReader{messages: []kafka.Message{{Offset: 7, Value: []byte(`{"id":"r1"}`)}}}
	c := NewConsumer(reader, &flakySubmitter{inner: intakesvc.NewService(repo, nil), failures: 2}, nil)
	c.minBackoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	runUntil(t, c, reader, 1)
	_, err := repo.Get(context.Background(), "r1")
	require.NoError(t, err)
}

func TestConsumerBacksOffOnFetchErrors(t *testing.T) {
	repo := memory.NewBatchRequestRepository()
	reader := &fakeReader{
		fetchErrors: 3,
		messages:    []kafka.Message{{Offset: 9, Value: []byte(`{"id":"r1"}`)}},
	}
	c := NewConsumer(reader, intakesvc.NewService(repo, nil), nil)
	c.minBackoff = 20 * time.Millisecond
	c.maxBackoff = 40 * time.Millisecond

	start := time.Now()
	runUntil(t, c, reader, 1)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.LessOrEqual(t, reader.fetchCalls, 5)
}
