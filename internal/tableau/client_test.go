package tableau

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer is a minimal Tableau REST stand-in: one site, one workbook,
// views configurable per test.
type fakeServer struct {
	t           *testing.T
	mu          sync.Mutex
	signins     atomic.Int64
	dataCalls   map[string]int
	failViews   map[string]int // view id -> HTTP status to return
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	delay       time.Duration
	views       map[string]string // name -> id
	workbook    string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		t:         t,
		dataCalls: map[string]int{},
		failViews: map[string]int{},
		views:     map[string]string{"Political Snapshot/Total Spend": "v-1", "Political Snapshot/Channel Breakdown": "v-2"},
		workbook:  "PoliticalSnapshot",
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/auth/signin"):
		f.signins.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"credentials": map[string]any{
				"token": "tok-123",
				"site":  map[string]any{"id": "site-1"},
			},
		})
	case strings.Contains(r.URL.Path, "/workbooks") && !strings.Contains(r.URL.Path, "/views"):
		if got := r.URL.Query().Get("filter"); got != "contentUrl:eq:"+f.workbook {
			json.NewEncoder(w).Encode(map[string]any{"workbooks": map[string]any{"workbook": []map[string]any{}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"workbooks": map[string]any{
				"workbook": []map[string]any{{"id": "wb-1", "name": f.workbook, "contentUrl": f.workbook}},
			},
		})
	case strings.Contains(r.URL.Path, "/workbooks/wb-1/views"):
		list := make([]map[string]any, 0, len(f.views))
		f.mu.Lock()
		for name, id := range f.views {
			list = append(list, map[string]any{"id": id, "name": name})
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"views": map[string]any{"view": list}})
	case strings.Contains(r.URL.Path, "/views/") && strings.HasSuffix(r.URL.Path, "/data"):
		cur := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			max := f.maxInFlight.Load()
			if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
				break
			}
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		parts := strings.Split(r.URL.Path, "/")
		viewID := parts[len(parts)-2]
		f.mu.Lock()
		f.dataCalls[viewID]++
		status := f.failViews[viewID]
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Write([]byte("Channel,Spend\nCTV,\"1,234\"\n"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testClient(t *testing.T, srv *httptest.Server, concurrency int) *Client {
	t.Helper()
	t.Setenv("PAT_NAME", "robot")
	t.Setenv("PAT_SECRET", "secret")
	return NewClient(Config{BaseURL: srv.URL, Concurrency: concurrency})
}

func TestCredentialResolutionPrefersSiteOverrides(t *testing.T) {
	t.Setenv("PAT_NAME", "global")
	t.Setenv("PAT_SECRET", "global-secret")
	t.Setenv("POLITICAL_INSIGHTS_PAT_NAME", "site-bot")
	t.Setenv("POLITICAL_INSIGHTS_PAT_SECRET", "site-secret")

	creds, err := resolveCredentials("political-insights")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds.Name != "site-bot" || creds.Secret != "site-secret" {
		t.Fatalf("creds = %+v, want site override", creds)
	}

	creds, err = resolveCredentials("other-site")
	if err != nil {
		t.Fatalf("resolve fallback: %v", err)
	}
	if creds.Name != "global" {
		t.Fatalf("creds = %+v, want global fallback", creds)
	}
}

func TestAuthenticateCachesToken(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := testClient(t, srv, 5)
	ctx := context.Background()

	entry, err := c.ValidToken(ctx, "political-insights")
	if err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if entry.Token != "tok-123" || entry.SiteID != "site-1" {
		t.Fatalf("entry = %+v", entry)
	}
	if _, err := c.ValidToken(ctx, "political-insights"); err != nil {
		t.Fatalf("second valid token: %v", err)
	}
	if got := fs.signins.Load(); got != 1 {
		t.Fatalf("signin count = %d, want 1 (cache hit)", got)
	}
}

func TestValidTokenRefreshesNearExpiry(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := testClient(t, srv, 5)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.ValidToken(ctx, "s"); err != nil {
		t.Fatalf("first token: %v", err)
	}
	// Inside the lifetime but within the 10min refresh threshold.
	now = now.Add(tokenLifetime - 5*time.Minute)
	if _, err := c.ValidToken(ctx, "s"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := fs.signins.Load(); got != 2 {
		t.Fatalf("signin count = %d, want 2 (threshold refresh)", got)
	}
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := testClient(t, srv, 5)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	entries := make([]AuthEntry, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.ValidToken(ctx, "political-insights")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if entries[i].Token != entries[0].Token || entries[i].SiteID != entries[0].SiteID {
			t.Fatalf("caller %d observed a different auth entry", i)
		}
	}
	if got := fs.signins.Load(); got != 1 {
		t.Fatalf("signin count = %d, want exactly 1 under concurrency", got)
	}
}

func TestFetchViewsInParallelPartialFailure(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.failViews["v-2"] = http.StatusInternalServerError
	c := testClient(t, srv, 5)

	out, err := c.FetchViewsInParallel(context.Background(), []ViewRequest{
		{ViewKey: "TOTAL_SPEND", ViewName: "Political Snapshot/Total Spend"},
		{ViewKey: "CHANNEL_DATA", ViewName: "Political Snapshot/Channel Breakdown"},
	}, "PoliticalSnapshot", "political-insights")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("result size = %d, want 1", len(out))
	}
	if _, ok := out["TOTAL_SPEND"]; !ok {
		t.Fatal("TOTAL_SPEND missing from result")
	}
	// The failing view was retried up to the transport cap.
	fs.mu.Lock()
	calls := fs.dataCalls["v-2"]
	fs.mu.Unlock()
	if calls != maxAttempts {
		t.Fatalf("failing view fetched %d times, want %d", calls, maxAttempts)
	}
}

func TestFetchViewsInParallelAllFailReturnsEmptyMap(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.failViews["v-1"] = http.StatusInternalServerError
	fs.failViews["v-2"] = http.StatusInternalServerError
	c := testClient(t, srv, 5)

	out, err := c.FetchViewsInParallel(context.Background(), []ViewRequest{
		{ViewKey: "TOTAL_SPEND", ViewName: "Political Snapshot/Total Spend"},
		{ViewKey: "CHANNEL_DATA", ViewName: "Political Snapshot/Channel Breakdown"},
	}, "PoliticalSnapshot", "political-insights")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("result size = %d, want empty map", len(out))
	}
}

func TestFetchViewsBoundsInFlightRequests(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.delay = 30 * time.Millisecond
	fs.mu.Lock()
	reqs := make([]ViewRequest, 0, 12)
	for i := 0; i < 12; i++ {
		name := "View " + string(rune('A'+i))
		id := "vx-" + string(rune('a'+i))
		fs.views[name] = id
		reqs = append(reqs, ViewRequest{ViewKey: name, ViewName: name})
	}
	fs.mu.Unlock()
	c := testClient(t, srv, 3)

	out, err := c.FetchViewsInParallel(context.Background(), reqs, "PoliticalSnapshot", "political-insights")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out) != 12 {
		t.Fatalf("result size = %d, want 12", len(out))
	}
	if max := fs.maxInFlight.Load(); max > 3 {
		t.Fatalf("in-flight peak = %d, want <= 3", max)
	}
}

func TestWorkbookNotFound(t *testing.T) {
	_, srv := newFakeServer(t)
	c := testClient(t, srv, 5)

	_, err := c.FetchViewsInParallel(context.Background(), []ViewRequest{
		{ViewKey: "X", ViewName: "whatever"},
	}, "NoSuchWorkbook", "political-insights")
	if err == nil {
		t.Fatal("expected error for unknown workbook")
	}
	var notFound *WorkbookNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want WorkbookNotFoundError", err)
	}
}

func TestNonRetryableStatusFailsFast(t *testing.T) {
	calls := atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("PAT_NAME", "robot")
	t.Setenv("PAT_SECRET", "secret")
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Authenticate(context.Background(), "s")
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("request count = %d, want 1 (4xx not retried)", got)
	}
}
