package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/funnel/internal/event"
	"github.com/roach88/funnel/internal/store"
	"github.com/roach88/funnel/internal/testutil"
)

// pagedSource serves fixed pages keyed by cursor.
type pagedSource struct {
	mu    sync.Mutex
	pages map[string]Page
	calls int
	err   error
}

func (s *pagedSource) FetchPage(_ context.Context, kind, cursor string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Page{}, s.err
	}
	return s.pages[cursor], nil
}

type published struct {
	key string
	env event.Envelope
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) PublishKey(_ context.Context, key string, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{key: key, env: env})
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, s := range p.sent {
		out[i] = s.env.Event
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, time.August, 11, 10, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "cdc.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func row(id, data string) Row {
	return Row{ID: id, Data: json.RawMessage(data)}
}

func TestSync_InsertsThenSilentOnRepeat(t *testing.T) {
	st := openStore(t)
	pub := &recordingPublisher{}
	src := &pagedSource{pages: map[string]Page{
		"":   {Rows: []Row{row("1", `{"id":1,"name":"Ann"}`)}, Next: "p2"},
		"p2": {Rows: []Row{row("2", `{"id":2,"name":"Bob"}`)}},
	}}
	d := NewDriver(src, st, pub, WithIDs(testutil.NewSequentialIDs("evt").Next))

	stats, err := d.Sync(context.Background(), "customers")
	require.NoError(t, err)
	assert.Equal(t, Stats{Kind: "customers", Pages: 2, Seen: 2, Inserted: 2}, stats)
	assert.Equal(t, []string{"customers.inserted", "customers.inserted"}, pub.names())
	assert.Equal(t, "1", pub.sent[0].key)
	assert.Equal(t, "cdc", pub.sent[0].env.Source)

	stats, err = d.Sync(context.Background(), "customers")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Unchanged)
	assert.Equal(t, 0, stats.Published())
	assert.Len(t, pub.sent, 2)
}

func TestSync_UpdatePublishesDiff(t *testing.T) {
	st := openStore(t)
	pub := &recordingPublisher{}
	src := &pagedSource{pages: map[string]Page{
		"": {Rows: []Row{row("7", `{"id":7,"status":"new"}`)}},
	}}
	d := NewDriver(src, st, pub)

	_, err := d.Sync(context.Background(), "deals")
	require.NoError(t, err)

	src.pages[""] = Page{Rows: []Row{row("7", `{"id":7,"status":"won"}`)}}
	stats, err := d.Sync(context.Background(), "deals")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	require.Len(t, pub.sent, 2)
	env := pub.sent[1].env
	assert.Equal(t, "deals.updated", env.Event)

	p, err := event.Decode(env)
	require.NoError(t, err)
	change, ok := p.(event.RecordChange)
	require.True(t, ok)
	assert.Equal(t, event.ID("7"), change.ID)
	assert.JSONEq(t, `{"id":7,"status":"won"}`, string(change.Data))
	assert.JSONEq(t, `{"id":7,"status":"new"}`, string(change.Old))
	require.Len(t, change.Diff, 1)
	assert.Equal(t, "status", change.Diff[0].PathString())

	history, err := st.History(context.Background(), "deals", "7")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSync_PruneDeletesUnseen(t *testing.T) {
	st := openStore(t)
	pub := &recordingPublisher{}
	src := &pagedSource{pages: map[string]Page{
		"": {Rows: []Row{row("a", `{"v":1}`), row("b", `{"v":2}`)}},
	}}
	d := NewDriver(src, st, pub, WithPrune("items"))

	_, err := d.Sync(context.Background(), "items")
	require.NoError(t, err)

	src.pages[""] = Page{Rows: []Row{row("a", `{"v":1}`)}}
	stats, err := d.Sync(context.Background(), "items")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.Unchanged)

	last := pub.sent[len(pub.sent)-1]
	assert.Equal(t, "items.deleted", last.env.Event)
	assert.Equal(t, "b", last.key)
	var change event.RecordChange
	require.NoError(t, last.env.DecodePayload(&change))
	assert.JSONEq(t, `{"v":2}`, string(change.Data))

	_, err = st.Get(context.Background(), "items", "b")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSync_WithoutPruneKeepsUnseen(t *testing.T) {
	st := openStore(t)
	pub := &recordingPublisher{}
	src := &pagedSource{pages: map[string]Page{
		"": {Rows: []Row{row("a", `{"v":1}`), row("b", `{"v":2}`)}},
	}}
	d := NewDriver(src, st, pub)

	_, err := d.Sync(context.Background(), "items")
	require.NoError(t, err)
	src.pages[""] = Page{}
	stats, err := d.Sync(context.Background(), "items")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)

	_, err = st.Get(context.Background(), "items", "b")
	assert.NoError(t, err)
}

func TestSync_SourceError(t *testing.T) {
	st := openStore(t)
	boom := errors.New("upstream down")
	d := NewDriver(&pagedSource{err: boom}, st, &recordingPublisher{})

	_, err := d.Sync(context.Background(), "items")
	assert.ErrorIs(t, err, boom)
}

func TestSync_PublishErrorStopsPass(t *testing.T) {
	st := openStore(t)
	boom := errors.New("bus down")
	src := &pagedSource{pages: map[string]Page{
		"": {Rows: []Row{row("a", `{"v":1}`), row("b", `{"v":2}`)}},
	}}
	d := NewDriver(src, st, &recordingPublisher{err: boom})

	stats, err := d.Sync(context.Background(), "items")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stats.Seen)
}

func TestSync_RepeatedCursorEndsPass(t *testing.T) {
	src := &pagedSource{pages: map[string]Page{
		"":  {Rows: []Row{row("a", `{}`)}, Next: "x"},
		"x": {Next: "x"},
	}}
	d := NewDriver(src, openStore(t), &recordingPublisher{})

	stats, err := d.Sync(context.Background(), "items")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 2, src.calls)
}

func TestSync_RepeatedCursorSkipsPrune(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	_, err := st.Upsert(ctx, "items", "old", map[string]any{"n": 1})
	require.NoError(t, err)

	src := &pagedSource{pages: map[string]Page{
		"":  {Rows: []Row{row("a", `{}`)}, Next: "x"},
		"x": {Next: "x"},
	}}
	pub := &recordingPublisher{}
	d := NewDriver(src, st, pub, WithPrune("items"))

	stats, err := d.Sync(ctx, "items")
	require.NoError(t, err)
	assert.Zero(t, stats.Deleted)
	assert.Equal(t, []string{"items.inserted"}, pub.names())

	_, err = st.Get(ctx, "items", "old")
	assert.NoError(t, err, "rows past the stuck cursor are kept")
}

// blockingStore never answers before its context ends.
type blockingStore struct{}

func (blockingStore) Upsert(ctx context.Context, _, _ string, _ any) (store.Change, error) {
	<-ctx.Done()
	return store.Change{}, ctx.Err()
}

func (blockingStore) Delete(ctx context.Context, _, _ string) (store.Change, error) {
	<-ctx.Done()
	return store.Change{}, ctx.Err()
}

func (blockingStore) LiveIDs(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSync_StoreTimeout(t *testing.T) {
	src := &pagedSource{pages: map[string]Page{"": {Rows: []Row{row("a", `{}`)}}}}
	d := NewDriver(src, blockingStore{}, &recordingPublisher{}, WithStoreTimeout(10*time.Millisecond))

	_, err := d.Sync(context.Background(), "items")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSync_RateLimitHonorsContext(t *testing.T) {
	src := &pagedSource{pages: map[string]Page{"": {Next: "a"}, "a": {Next: "b"}, "b": {}}}
	d := NewDriver(src, openStore(t), &recordingPublisher{}, WithRateLimit(0.001, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Sync(ctx, "items")
	require.Error(t, err)
	assert.Equal(t, 1, src.calls)
}
