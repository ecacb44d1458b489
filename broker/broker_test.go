package broker

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendmill/trendmill/db"
	"github.com/trendmill/trendmill/errors"
	qtest "github.com/trendmill/trendmill/internal/testing"
)

func newTestBroker(t *testing.T) (*Broker, *sql.DB) {
	t.Helper()
	database := qtest.CreateTestDB(t)
	require.NoError(t, db.Migrate(database, nil))

	b := New(database, Config{
		Block:        20 * time.Millisecond,
		ClaimMinIdle: time.Hour, // reclaim disabled unless a test moves the clock
		BackoffMax:   time.Second,
	}, zap.NewNop().Sugar())
	return b, database
}

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	first, err := b.Publish(ctx, StreamTrendSignals, map[string]string{"keyword": "dog"})
	require.NoError(t, err)
	second, err := b.Publish(ctx, StreamTrendSignals, map[string]string{"keyword": "cat"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, StreamTrendSignals, "trend"))
	require.NoError(t, b.EnsureGroup(ctx, StreamTrendSignals, "trend"))
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, StreamTrendSignals, map[string]string{"keyword": "funny cat"})
	require.NoError(t, err)

	received := make(chan *Message, 1)
	go b.Consume(ctx, StreamTrendSignals, "trend", "c1", func(_ context.Context, msg *Message) error {
		received <- msg
		return nil
	})

	select {
	case msg := <-received:
		assert.Equal(t, "funny cat", msg.Fields["keyword"])
		assert.Equal(t, int64(1), msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	// Once acknowledged, nothing remains pending.
	require.Eventually(t, func() bool {
		pending, err := b.Pending(ctx, StreamTrendSignals, "trend")
		return err == nil && len(pending) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

// File-backed databases hand each goroutine its own pooled connection, so
// publishers and consumers genuinely interleave. The connection's immediate
// transaction lock makes contending writers queue on the busy timeout instead
// of erroring, so no entry is lost or duplicated.
func TestConcurrentPublishConsumeOnFileDatabase(t *testing.T) {
	database, err := db.Open(t.TempDir()+"/broker.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	b := New(database, Config{
		Block:        20 * time.Millisecond,
		ClaimMinIdle: time.Hour,
		BackoffMax:   time.Second,
	}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const publishers, perPublisher = 4, 10
	const total = publishers * perPublisher

	var mu sync.Mutex
	seen := make(map[int64]int)
	done := make(chan struct{})
	handler := func(_ context.Context, msg *Message) error {
		mu.Lock()
		seen[msg.ID]++
		n := len(seen)
		mu.Unlock()
		if n == total {
			close(done)
		}
		return nil
	}

	go b.Consume(ctx, StreamTrendSignals, "trend", "c1", handler)
	go b.Consume(ctx, StreamTrendSignals, "trend", "c2", handler)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := b.Publish(ctx, StreamTrendSignals, map[string]string{"keyword": "cat"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("consumers did not drain the stream")
	}

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		assert.Equal(t, 1, count, "entry %d delivered more than once within the group", id)
	}
}

func TestCompetingConsumersNoDuplicates(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := b.Publish(ctx, StreamIdeasReady, map[string]string{"n": string(rune('a' + i))})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	done := make(chan struct{})

	handler := func(_ context.Context, msg *Message) error {
		mu.Lock()
		seen[msg.ID]++
		n := len(seen)
		mu.Unlock()
		if n == total {
			close(done)
		}
		return nil
	}

	go b.Consume(ctx, StreamIdeasReady, "ideas", "c1", handler)
	go b.Consume(ctx, StreamIdeasReady, "ideas", "c2", handler)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not drain the stream")
	}

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		assert.Equal(t, 1, count, "entry %d delivered more than once within the group", id)
	}
}

func TestSeparateGroupsEachReceive(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, StreamImagesReady, map[string]string{"idea": "retro cat poster"})
	require.NoError(t, err)

	require.NoError(t, b.EnsureGroup(ctx, StreamImagesReady, "g1"))
	require.NoError(t, b.EnsureGroup(ctx, StreamImagesReady, "g2"))

	m1, err := b.store.nextUndelivered(ctx, StreamImagesReady, "g1", "c1")
	require.NoError(t, err)
	require.NotNil(t, m1)

	m2, err := b.store.nextUndelivered(ctx, StreamImagesReady, "g2", "c1")
	require.NoError(t, err)
	require.NotNil(t, m2, "a second group reads the stream independently")

	assert.Equal(t, m1.ID, m2.ID)
}

func TestDeliveryInAppendOrder(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _, kw := range []string{"first", "second", "third"} {
		_, err := b.Publish(ctx, StreamProductsReady, map[string]string{"kw": kw})
		require.NoError(t, err)
	}

	require.NoError(t, b.EnsureGroup(ctx, StreamProductsReady, "g"))
	var got []string
	for i := 0; i < 3; i++ {
		msg, err := b.store.nextUndelivered(ctx, StreamProductsReady, "g", "c1")
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, msg.Fields["kw"])
	}

	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestHandlerErrorLeavesPending(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, StreamListingsReady, map[string]string{"sku": "TM-1"})
	require.NoError(t, err)

	handled := make(chan struct{}, 1)
	go b.Consume(ctx, StreamListingsReady, "listings", "c1", func(_ context.Context, _ *Message) error {
		select {
		case handled <- struct{}{}:
		default:
		}
		return errors.New("collaborator unavailable")
	})

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	cancel()

	pending, err := b.Pending(context.Background(), StreamListingsReady, "listings")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].Seq)
	assert.Equal(t, "c1", pending[0].Consumer)
}

func TestAckRemovesPending(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, StreamTrendSignals, map[string]string{"kw": "dog"})
	require.NoError(t, err)
	require.NoError(t, b.EnsureGroup(ctx, StreamTrendSignals, "g"))

	msg, err := b.store.nextUndelivered(ctx, StreamTrendSignals, "g", "c1")
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, b.Ack(ctx, StreamTrendSignals, "g", msg.ID))

	// Double-ack reports the entry as gone.
	err = b.Ack(ctx, StreamTrendSignals, "g", msg.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClaimStaleReassignsOrphanedWork(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, StreamTrendSignals, map[string]string{"kw": "dog"})
	require.NoError(t, err)
	require.NoError(t, b.EnsureGroup(ctx, StreamTrendSignals, "g"))

	// Deliver to a consumer that never acks (simulated crash).
	msg, err := b.store.nextUndelivered(ctx, StreamTrendSignals, "g", "crashed")
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Move the store clock forward past the idle window.
	base := time.Now()
	b.store.now = func() time.Time { return base.Add(2 * time.Hour) }

	claimed, err := b.ClaimStale(ctx, StreamTrendSignals, "g", "rescuer")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msg.ID, claimed[0].ID)

	pending, err := b.Pending(ctx, StreamTrendSignals, "g")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rescuer", pending[0].Consumer)
	assert.Equal(t, 2, pending[0].DeliveryCount)
}

func TestPendingCounts(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, StreamTrendSignals, map[string]string{"kw": "dog"})
	require.NoError(t, err)
	require.NoError(t, b.EnsureGroup(ctx, StreamTrendSignals, "trend"))

	_, err = b.store.nextUndelivered(ctx, StreamTrendSignals, "trend", "c1")
	require.NoError(t, err)

	counts, err := b.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StreamTrendSignals+"/trend"])
}

func TestClosedBrokerRejectsPublish(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), StreamTrendSignals, map[string]string{"kw": "dog"})
	assert.True(t, errors.Is(err, errors.ErrStreamClosed))
}
