package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/labelrelay/internal/dedup"
	"github.com/agentworkforce/labelrelay/internal/labelindex"
	"github.com/agentworkforce/labelrelay/internal/suppress"
)

const testSecret = "s3cret"

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
	panics bool
	block  chan struct{}
	seen   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{seen: make(chan struct{}, 64)}
}

func (n *recordingNotifier) Notify(ctx context.Context, event Event) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n.panics {
		panic("renderer exploded")
	}
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	n.seen <- struct{}{}
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	ingestor *Ingestor
	index    *labelindex.Index
	ledger   *suppress.Ledger
	notifier *recordingNotifier
}

func newFixture(t *testing.T, auth Auth) fixture {
	t.Helper()
	if auth.Secret == "" {
		auth.Secret = testSecret
	}
	f := fixture{
		index:    labelindex.NewMemoryIndex(),
		ledger:   suppress.New(suppress.Options{}),
		notifier: newRecordingNotifier(),
	}
	ingestor, err := NewIngestor(Options{
		Auth:       auth,
		Dedup:      dedup.NewMemorySet(time.Hour),
		Suppressor: f.ledger,
		Index:      f.index,
		Notifier:   f.notifier,
	})
	require.NoError(t, err)
	f.ingestor = ingestor
	return f
}

func (f fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.ingestor.Shutdown(ctx))
}

func delivery(id, body string) Delivery {
	return Delivery{ID: id, Body: []byte(body), Secret: testSecret, RemoteAddr: "10.0.0.1:4242"}
}

func TestIngestAcceptsThenIgnoresDuplicate(t *testing.T) {
	f := newFixture(t, Auth{})
	id := uuid.NewString()

	result, err := f.ingestor.Ingest(context.Background(), delivery(id, issuePayload))
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)
	assert.Equal(t, id, result.DeliveryID)

	result, err = f.ingestor.Ingest(context.Background(), delivery(id, issuePayload))
	require.NoError(t, err)
	assert.Equal(t, DuplicateIgnored, result.Outcome)

	f.drain(t)
	assert.Equal(t, 1, f.notifier.count())
	stats := f.ingestor.Stats()
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Duplicate)
	assert.Equal(t, uint64(1), stats.Rendered)
	assert.Zero(t, stats.InFlight)
}

func TestIngestRejectsBadSecretWithoutMarkingDelivery(t *testing.T) {
	f := newFixture(t, Auth{})
	id := uuid.NewString()

	bad := delivery(id, issuePayload)
	bad.Secret = "wrong"
	result, err := f.ingestor.Ingest(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, Unauthorized, result.Outcome)

	result, err = f.ingestor.Ingest(context.Background(), delivery(id, issuePayload))
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome, "rejected delivery must not occupy the dedup set")
	f.drain(t)
}

func TestIngestSourceIPAllowList(t *testing.T) {
	f := newFixture(t, Auth{AllowedIPs: []string{"35.231.147.226", "192.168.0.0/24"}})

	cases := []struct {
		name      string
		forwarded string
		remote    string
		want      Outcome
	}{
		{name: "first forwarded hop allowed", forwarded: "35.231.147.226, 10.0.0.1", remote: "10.0.0.9:1", want: Accepted},
		{name: "only later hop allowed", forwarded: "8.8.8.8, 35.231.147.226", remote: "10.0.0.9:1", want: Unauthorized},
		{name: "remote addr inside prefix", remote: "192.168.0.77:5555", want: Accepted},
		{name: "remote addr outside prefix", remote: "192.168.1.77:5555", want: Unauthorized},
		{name: "garbage address", forwarded: "not-an-ip", want: Unauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := delivery(uuid.NewString(), issuePayload)
			d.ForwardedFor = tc.forwarded
			d.RemoteAddr = tc.remote
			result, err := f.ingestor.Ingest(context.Background(), d)
			require.NoError(t, err)
			assert.Equal(t, tc.want, result.Outcome)
		})
	}
	f.drain(t)
}

func TestIngestVerifiesSignatureWhenConfigured(t *testing.T) {
	f := newFixture(t, Auth{SigningSecret: "signing"})

	d := delivery(uuid.NewString(), issuePayload)
	d.Signature = Sign("signing", []byte(issuePayload))
	result, err := f.ingestor.Ingest(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)

	d = delivery(uuid.NewString(), issuePayload)
	d.Signature = Sign("other", []byte(issuePayload))
	result, err = f.ingestor.Ingest(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Unauthorized, result.Outcome)
	f.drain(t)
}

func TestIngestRejectsBadDeliveryID(t *testing.T) {
	f := newFixture(t, Auth{})
	for _, id := range []string{"", "not-a-uuid", "1234"} {
		result, err := f.ingestor.Ingest(context.Background(), delivery(id, issuePayload))
		require.NoError(t, err)
		assert.Equal(t, Malformed, result.Outcome, "id %q", id)
	}
	f.drain(t)
	assert.Equal(t, 0, f.notifier.count())
}

func TestIngestBadJSONKeepsDeliveryMarked(t *testing.T) {
	f := newFixture(t, Auth{})
	id := uuid.NewString()

	result, err := f.ingestor.Ingest(context.Background(), delivery(id, `{"action":`))
	require.NoError(t, err)
	assert.Equal(t, Malformed, result.Outcome)

	result, err = f.ingestor.Ingest(context.Background(), delivery(id, issuePayload))
	require.NoError(t, err)
	assert.Equal(t, DuplicateIgnored, result.Outcome, "the id was recorded before parsing")
	f.drain(t)
	assert.Equal(t, 0, f.notifier.count())
}

func TestIngestSchemaInvalidIsAcknowledged(t *testing.T) {
	f := newFixture(t, Auth{})
	body := `{"action":"create","type":"Issue","createdAt":"2024-03-01T10:00:00Z","data":{"id":"x"}}`

	result, err := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), body))
	require.NoError(t, err)
	assert.Equal(t, SchemaInvalid, result.Outcome)
	f.drain(t)
	assert.Equal(t, 0, f.notifier.count())
	assert.Equal(t, uint64(1), f.ingestor.Stats().SchemaInvalid)
}

func TestSuppressedEchoIsDroppedOnce(t *testing.T) {
	f := newFixture(t, Auth{})
	f.ledger.Register("8d7f0c64-9a41-4f61-9a5b-1f0a3d3c0001")

	_, err := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	require.NoError(t, err)
	_, err = f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, 1, f.notifier.count(), "second echo proceeds normally")
	assert.Equal(t, uint64(1), f.ingestor.Stats().Suppressed)
}

func TestLabelCreationUpdatesIndexWithoutRendering(t *testing.T) {
	f := newFixture(t, Auth{})

	_, err := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), labelPayload("create", "lbl-7", "team-eng")))
	require.NoError(t, err)
	_, err = f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), labelPayload("create", "lbl-8", "")))
	require.NoError(t, err)
	_, err = f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), labelPayload("update", "lbl-7", "team-eng")))
	require.NoError(t, err)
	f.drain(t)

	id, ok := f.index.Get("team-eng", "bug")
	require.True(t, ok)
	assert.Equal(t, "lbl-7", id)
	assert.Equal(t, 1, f.index.Len())
	assert.Equal(t, 1, f.notifier.count(), "only the update is rendered")
}

func TestSuppressedLabelCreationDoesNotTouchIndex(t *testing.T) {
	f := newFixture(t, Auth{})
	f.ledger.Register("lbl-9")

	_, err := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), labelPayload("create", "lbl-9", "team-eng")))
	require.NoError(t, err)
	f.drain(t)

	_, ok := f.index.Get("team-eng", "bug")
	assert.False(t, ok)
}

func TestProcessingFailuresAreContained(t *testing.T) {
	f := newFixture(t, Auth{})
	f.notifier.err = errors.New("room not joined")

	result, err := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)
	f.drain(t)
	assert.Equal(t, uint64(1), f.ingestor.Stats().Failed)

	g := newFixture(t, Auth{})
	g.notifier.panics = true
	result, err = g.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)
	g.drain(t)
	assert.Equal(t, uint64(1), g.ingestor.Stats().Failed)
}

func TestIngestReturnsBeforeProcessingFinishes(t *testing.T) {
	f := newFixture(t, Auth{})
	f.notifier.block = make(chan struct{})

	done := make(chan Result, 1)
	go func() {
		result, _ := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
		done <- result
	}()
	select {
	case result := <-done:
		assert.Equal(t, Accepted, result.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("ingest blocked on processing")
	}
	assert.Equal(t, int64(1), f.ingestor.Stats().InFlight)
	close(f.notifier.block)
	f.drain(t)
}

func TestShutdownAbandonsUnitsAfterDeadline(t *testing.T) {
	f := newFixture(t, Auth{})
	f.notifier.block = make(chan struct{})
	defer close(f.notifier.block)

	_, err := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = f.ingestor.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentSameDeliveryAcceptedOnce(t *testing.T) {
	f := newFixture(t, Auth{})
	id := uuid.NewString()
	var accepted int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.ingestor.Ingest(context.Background(), delivery(id, issuePayload))
			if err == nil && result.Outcome == Accepted {
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	f.drain(t)
	assert.Equal(t, int64(1), accepted)
	assert.Equal(t, 1, f.notifier.count())
}

func TestSetAuthReloadsSecret(t *testing.T) {
	f := newFixture(t, Auth{})
	require.NoError(t, f.ingestor.SetAuth(Auth{Secret: "rotated"}))

	result, err := f.ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	require.NoError(t, err)
	assert.Equal(t, Unauthorized, result.Outcome)

	d := delivery(uuid.NewString(), issuePayload)
	d.Secret = "rotated"
	result, err = f.ingestor.Ingest(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)

	assert.ErrorIs(t, f.ingestor.SetAuth(Auth{}), ErrInvalidInput)
	assert.ErrorIs(t, f.ingestor.SetAuth(Auth{Secret: "x", AllowedIPs: []string{"300.1.1.1"}}), ErrInvalidInput)
	f.drain(t)
}

type failingSet struct{}

func (failingSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	return false, errors.New("redis unavailable")
}

func TestIngestSurfacesDedupFailure(t *testing.T) {
	ingestor, err := NewIngestor(Options{
		Auth:       Auth{Secret: testSecret},
		Dedup:      failingSet{},
		Suppressor: suppress.New(suppress.Options{}),
		Index:      labelindex.NewMemoryIndex(),
	})
	require.NoError(t, err)

	_, err = ingestor.Ingest(context.Background(), delivery(uuid.NewString(), issuePayload))
	assert.Error(t, err)
	assert.Zero(t, ingestor.Stats().Accepted)
}
