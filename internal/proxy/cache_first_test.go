package proxy

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

func TestCacheFirstStoresMissAndServesHitWithoutNetwork(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/css/app.css", http.StatusOK, "text/css", "body{}")
	logger, _ := testLogger()
	executor := NewCacheFirst(NewNetwork(stub.server.Client()), testOptions(), logger)
	stores := newTestSet(t)
	req := getRequest(stub.url(t, "/css/app.css"), strategy.DestinationStyle)

	first := executor.Serve(context.Background(), req, stores, store.RoleContent)
	assert.Equal(t, SourceNetwork, first.Source)
	assert.True(t, first.Stored)
	assert.Equal(t, "body{}", string(first.Snapshot.Body))

	second := executor.Serve(context.Background(), req, stores, store.RoleContent)
	assert.Equal(t, SourceStore, second.Source)
	assert.Equal(t, "body{}", string(second.Snapshot.Body))
	assert.Equal(t, "text/css", second.Snapshot.Header.Get("Content-Type"))
	assert.Equal(t, 1, stub.count("/css/app.css"), "store hit must not touch the network")
}

func TestCacheFirstServesShellStoreEntry(t *testing.T) {
	fetcher := &switchFetcher{next: http.DefaultClient}
	fetcher.offline.Store(true)
	logger, _ := testLogger()
	executor := NewCacheFirst(NewNetwork(fetcher), testOptions(), logger)
	stores := newTestSet(t)

	req := getRequest(mustParse(t, "https://cdn.jsdelivr.net/npm/tailwind.min.css"), strategy.DestinationStyle)
	putSnapshot(t, stores.Get(store.RoleShell), req.Key(), "tailwind")

	result := executor.Execute(context.Background(), req, stores)
	assert.Equal(t, SourceStore, result.Source)
	assert.Equal(t, "tailwind", string(result.Snapshot.Body))
	assert.Zero(t, fetcher.calls.Load())
}

func TestCacheFirstNetworkFailureReturns408(t *testing.T) {
	fetcher := &switchFetcher{next: http.DefaultClient}
	fetcher.offline.Store(true)
	logger, _ := testLogger()
	executor := NewCacheFirst(NewNetwork(fetcher), testOptions(), logger)

	result := executor.Serve(context.Background(), getRequest(mustParse(t, "https://cdn.example/a.js"), strategy.DestinationScript), newTestSet(t), store.RoleContent)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, http.StatusRequestTimeout, result.Snapshot.Status)
	assert.Equal(t, "Network error happened", string(result.Snapshot.Body))
	assert.Contains(t, result.Snapshot.Header.Get("Content-Type"), "text/plain")
	assert.Equal(t, SourceOffline, result.Source)
	assert.ErrorIs(t, result.Err, errOffline)
}

func TestCacheFirstStoresAnyStatus(t *testing.T) {
	stub := newUpstreamStub(t)
	logger, _ := testLogger()
	executor := NewCacheFirst(NewNetwork(stub.server.Client()), testOptions(), logger)
	stores := newTestSet(t)
	req := getRequest(stub.url(t, "/missing.png"), strategy.DestinationImage)

	first := executor.Serve(context.Background(), req, stores, store.RoleContent)
	assert.Equal(t, http.StatusNotFound, first.Snapshot.Status)
	assert.True(t, first.Stored)

	second := executor.Serve(context.Background(), req, stores, store.RoleContent)
	assert.Equal(t, SourceStore, second.Source)
	assert.Equal(t, 1, stub.count("/missing.png"))
}

func TestCacheFirstSkipsPartialAndNotModified(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handleConditional("/fonts/a.woff2", "font/woff2", "abcdef")
	logger, _ := testLogger()
	executor := NewCacheFirst(NewNetwork(stub.server.Client()), testOptions(), logger)
	stores := newTestSet(t)

	ranged := getRequest(stub.url(t, "/fonts/a.woff2"), strategy.DestinationFont)
	ranged.Header.Set("Range", "bytes=0-1")
	partial := executor.Serve(context.Background(), ranged, stores, store.RoleContent)
	assert.Equal(t, http.StatusPartialContent, partial.Snapshot.Status)
	assert.False(t, partial.Stored)

	validated := getRequest(stub.url(t, "/fonts/a.woff2"), strategy.DestinationFont)
	validated.Header.Set("If-None-Match", `"v1"`)
	notModified := executor.Serve(context.Background(), validated, stores, store.RoleContent)
	assert.Equal(t, http.StatusNotModified, notModified.Snapshot.Status)
	assert.False(t, notModified.Stored)

	full := executor.Serve(context.Background(), getRequest(stub.url(t, "/fonts/a.woff2"), strategy.DestinationFont), stores, store.RoleContent)
	assert.Equal(t, SourceNetwork, full.Source)
	assert.Equal(t, "abcdef", string(full.Snapshot.Body))
	assert.True(t, full.Stored)
	assert.Equal(t, 3, stub.count("/fonts/a.woff2"))
}

func TestCacheFirstNeverStoresNonGet(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/img/upload.png", http.StatusOK, "image/png", "ok")
	logger, _ := testLogger()
	executor := NewCacheFirst(NewNetwork(stub.server.Client()), testOptions(), logger)
	stores := newTestSet(t)

	req := NewRequest(http.MethodPost, stub.url(t, "/img/upload.png"))
	req.Descriptor.Destination = strategy.DestinationImage
	req.Body = []byte("payload")

	result := executor.Serve(context.Background(), req, stores, store.RoleContent)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.False(t, result.Stored)

	keys, err := stores.Get(store.RoleContent).Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCacheFirstSkipsOversizeEntries(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/big.js", http.StatusOK, "application/javascript", "0123456789")
	logger, logs := testLogger()
	opts := testOptions()
	opts.MaxEntrySize = 4
	executor := NewCacheFirst(NewNetwork(stub.server.Client()), opts, logger)

	result := executor.Serve(context.Background(), getRequest(stub.url(t, "/big.js"), strategy.DestinationScript), newTestSet(t), store.RoleContent)
	assert.Equal(t, "0123456789", string(result.Snapshot.Body))
	assert.False(t, result.Stored)
	assert.Contains(t, logs.String(), "store_put_skipped_oversize")
	assert.Contains(t, logs.String(), "10 B")
}

func TestCacheFirstCollapsesConcurrentMisses(t *testing.T) {
	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
	)
	fetcher := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-gate
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/css"}},
			Body:       http.NoBody,
			Request:    req,
		}, nil
	})
	logger, _ := testLogger()
	executor := NewCacheFirst(NewNetwork(fetcher), testOptions(), logger)
	stores := newTestSet(t)
	req := getRequest(mustParse(t, "https://cdn.example/shared.css"), strategy.DestinationStyle)

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = executor.Serve(context.Background(), req, stores, store.RoleContent)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	for _, r := range results {
		assert.Equal(t, http.StatusOK, r.Snapshot.Status)
	}
}
