package proxy

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

func TestNetworkFirstFreshResponseIsStored(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/lesson/1", http.StatusOK, "text/html", "<h1>fresh</h1>")
	logger, _ := testLogger()
	executor := NewNetworkFirst(NewNetwork(stub.server.Client()), testOptions(), logger)
	stores := newTestSet(t)
	req := getRequest(stub.url(t, "/lesson/1"), strategy.DestinationDocument)

	result := executor.Serve(context.Background(), req, stores, store.RoleContent, time.Second)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.True(t, result.Stored)

	cached, err := stores.Get(store.RoleContent).Match(context.Background(), req.Key())
	require.NoError(t, err)
	assert.Equal(t, "<h1>fresh</h1>", string(cached.Body))
}

func TestNetworkFirstTimeoutFallsBackToStoreWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger, _ := testLogger()
	executor := NewNetworkFirst(NewNetwork(hangingFetcher()), testOptions(), logger)
	stores := newTestSet(t)
	req := getRequest(mustParse(t, "https://academy.example.com/lesson/2"), strategy.DestinationDocument)
	putSnapshot(t, stores.Get(store.RoleContent), req.Key(), "previous")

	started := time.Now()
	result := executor.Serve(context.Background(), req, stores, store.RoleContent, 50*time.Millisecond)
	elapsed := time.Since(started)

	assert.Equal(t, SourceStore, result.Source)
	assert.Equal(t, "previous", string(result.Snapshot.Body))
	assert.False(t, result.Stored)
	assert.Less(t, elapsed, time.Second)
	assert.Error(t, result.Err)
}

func TestNetworkFirstHangingDocumentFallsBackToShell(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	shellKey := store.NewKey(http.MethodGet, mustParse(t, "https://academy.example.com/"))
	opts := testOptions()
	opts.ShellKey = shellKey
	logger, _ := testLogger()
	executor := NewNetworkFirst(NewNetwork(hangingFetcher()), opts, logger)
	stores := newTestSet(t)
	putSnapshot(t, stores.Get(store.RoleShell), shellKey, "<html>shell</html>")

	req := getRequest(mustParse(t, "https://academy.example.com/lesson/3"), strategy.DestinationDocument)
	started := time.Now()
	result := executor.Serve(context.Background(), req, stores, store.RoleContent, 50*time.Millisecond)

	assert.Equal(t, SourceShell, result.Source)
	assert.Equal(t, "<html>shell</html>", string(result.Snapshot.Body))
	assert.Less(t, time.Since(started), opts.NetworkTimeout+opts.FallbackTimeout+time.Second)
}

func TestNetworkFirstHangingNonDocumentReturns408(t *testing.T) {
	shellKey := store.NewKey(http.MethodGet, mustParse(t, "https://academy.example.com/"))
	opts := testOptions()
	opts.ShellKey = shellKey
	logger, _ := testLogger()
	executor := NewNetworkFirst(NewNetwork(hangingFetcher()), opts, logger)
	stores := newTestSet(t)
	putSnapshot(t, stores.Get(store.RoleShell), shellKey, "<html>shell</html>")

	req := getRequest(mustParse(t, "https://academy.example.com/data.json"), strategy.DestinationEmpty)
	result := executor.Execute(context.Background(), req, stores)

	assert.Equal(t, SourceOffline, result.Source)
	assert.Equal(t, http.StatusRequestTimeout, result.Snapshot.Status)
}

func TestNetworkFirstRetryFetchRecovers(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/lesson/4", http.StatusOK, "text/html", "second try")
	attempts := 0
	fetcher := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return nil, errOffline
		}
		return stub.server.Client().Do(req)
	})
	logger, _ := testLogger()
	opts := testOptions()
	opts.FallbackTimeout = time.Second
	executor := NewNetworkFirst(NewNetwork(fetcher), opts, logger)
	stores := newTestSet(t)
	req := getRequest(stub.url(t, "/lesson/4"), strategy.DestinationDocument)

	result := executor.Serve(context.Background(), req, stores, store.RoleContent, time.Second)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, "second try", string(result.Snapshot.Body))
	assert.False(t, result.Stored, "only a race winner is written to the store")
	assert.Equal(t, 2, attempts)
}

func TestNetworkFirstNon200PrefersStoreThenPassesThrough(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/lesson/5", http.StatusInternalServerError, "text/plain", "boom")
	logger, _ := testLogger()
	executor := NewNetworkFirst(NewNetwork(stub.server.Client()), testOptions(), logger)
	stores := newTestSet(t)
	req := getRequest(stub.url(t, "/lesson/5"), strategy.DestinationDocument)

	result := executor.Serve(context.Background(), req, stores, store.RoleContent, time.Second)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, http.StatusInternalServerError, result.Snapshot.Status)
	assert.False(t, result.Stored)
	assert.Equal(t, 1, stub.count("/lesson/5"))

	putSnapshot(t, stores.Get(store.RoleContent), req.Key(), "cached lesson")
	result = executor.Serve(context.Background(), req, stores, store.RoleContent, time.Second)
	assert.Equal(t, SourceStore, result.Source)
	assert.Equal(t, "cached lesson", string(result.Snapshot.Body))
}

func TestNetworkFirstRecoversFetchPanic(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fetcher := FetcherFunc(func(*http.Request) (*http.Response, error) {
		panic("transport exploded")
	})
	logger, _ := testLogger()
	executor := NewNetworkFirst(NewNetwork(fetcher), testOptions(), logger)

	req := getRequest(mustParse(t, "https://academy.example.com/x"), strategy.DestinationEmpty)
	result := executor.Serve(context.Background(), req, newTestSet(t), store.RoleContent, time.Second)

	assert.Equal(t, SourceOffline, result.Source)
	assert.Equal(t, http.StatusRequestTimeout, result.Snapshot.Status)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "panic")
}

func TestNetworkFirstNeverStoresNonGet(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/form", http.StatusOK, "text/html", "thanks")
	logger, _ := testLogger()
	executor := NewNetworkFirst(NewNetwork(stub.server.Client()), testOptions(), logger)
	stores := newTestSet(t)

	req := NewRequest(http.MethodPost, stub.url(t, "/form"))
	req.Descriptor.Destination = strategy.DestinationDocument
	result := executor.Serve(context.Background(), req, stores, store.RoleContent, time.Second)

	assert.Equal(t, "thanks", string(result.Snapshot.Body))
	assert.False(t, result.Stored)
	keys, err := stores.Get(store.RoleContent).Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}
