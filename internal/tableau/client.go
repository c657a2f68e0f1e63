package tableau

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/observability"
)

const defaultAPIVersion = "3.21"

// ViewRequest names one remote view to fetch, with its bound filter
// parameters (remote parameter name -> value).
type ViewRequest struct {
	ViewKey      string
	ViewName     string
	FilterParams map[string]string
}

type Config struct {
	BaseURL     string
	APIVersion  string
	Concurrency int
	Production  bool
}

// Client talks to the Tableau REST API: sign-in, workbook and view lookup,
// and CSV view-data export. One client is shared across all worker
// goroutines in the process; the token cache is per site.
type Client struct {
	cfg  Config
	http *http.Client

	mu    sync.Mutex
	cache map[string]AuthEntry
	sf    singleflight.Group

	// nowFn is the clock; tests pin it to exercise expiry windows.
	nowFn func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:   cfg,
		http:  newHTTPClient(cfg.Production),
		cache: make(map[string]AuthEntry),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) now() time.Time {
	return c.nowFn()
}

func (c *Client) apiURL(parts ...string) string {
	return c.cfg.BaseURL + "/api/" + c.cfg.APIVersion + "/" + strings.Join(parts, "/")
}

func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

type workbookListResponse struct {
	Workbooks struct {
		Workbook []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			ContentURL string `json:"contentUrl"`
		} `json:"workbook"`
	} `json:"workbooks"`
}

type viewListResponse struct {
	Views struct {
		View []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"view"`
	} `json:"views"`
}

func (c *Client) authedGet(ctx context.Context, token, rawURL string) ([]byte, error) {
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Tableau-Auth", token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

func (c *Client) lookupWorkbook(ctx context.Context, auth AuthEntry, workbookName string) (string, error) {
	q := url.Values{}
	q.Set("filter", "contentUrl:eq:"+workbookName)
	body, err := c.authedGet(ctx, auth.Token, c.apiURL("sites", auth.SiteID, "workbooks")+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("list workbooks: %w", err)
	}
	var parsed workbookListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse workbook list: %w", err)
	}
	for _, wb := range parsed.Workbooks.Workbook {
		if wb.ContentURL == workbookName || wb.Name == workbookName {
			return wb.ID, nil
		}
	}
	return "", &WorkbookNotFoundError{WorkbookName: workbookName}
}

func (c *Client) listViews(ctx context.Context, auth AuthEntry, workbookID, workbookName string) (map[string]string, error) {
	body, err := c.authedGet(ctx, auth.Token, c.apiURL("sites", auth.SiteID, "workbooks", workbookID, "views"))
	if err != nil {
		return nil, &ViewListingFailedError{WorkbookName: workbookName, Err: err}
	}
	var parsed viewListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ViewListingFailedError{WorkbookName: workbookName, Err: err}
	}
	byName := make(map[string]string, len(parsed.Views.View))
	for _, v := range parsed.Views.View {
		byName[v.Name] = v.ID
	}
	return byName, nil
}

func (c *Client) fetchViewData(ctx context.Context, auth AuthEntry, viewID string, filters map[string]string) (string, error) {
	q := url.Values{}
	q.Set("maxAge", "1")
	for param, value := range filters {
		q.Set("vf_"+param, value)
	}
	body, err := c.authedGet(ctx, auth.Token, c.apiURL("sites", auth.SiteID, "views", viewID, "data")+"?"+q.Encode())
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchViewsInParallel resolves the workbook and its views, then fetches the
// requested views as CSV in sequential batches of Concurrency goroutines so
// at most Concurrency requests are in flight. Per-view failures are logged
// and skipped; the result maps viewKey to raw CSV and contains only the
// views that succeeded. An empty map with a nil error means every view
// failed; the caller decides whether that is fatal.
func (c *Client) FetchViewsInParallel(ctx context.Context, reqs []ViewRequest, workbookName, site string) (map[string]string, error) {
	ctx, span := observability.StartSpan(ctx, "tableau.fetch_views",
		attribute.String("workbook", workbookName),
		attribute.String("site", site),
		attribute.Int("views", len(reqs)),
	)
	defer span.End()

	auth, err := c.ValidToken(ctx, site)
	if err != nil {
		return nil, err
	}
	workbookID, err := c.lookupWorkbook(ctx, auth, workbookName)
	if err != nil {
		return nil, err
	}
	viewIDs, err := c.listViews(ctx, auth, workbookID, workbookName)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(reqs))
	var outMu sync.Mutex
	for start := 0; start < len(reqs); start += c.cfg.Concurrency {
		end := start + c.cfg.Concurrency
		if end > len(reqs) {
			end = len(reqs)
		}
		var wg sync.WaitGroup
		for _, req := range reqs[start:end] {
			wg.Add(1)
			go func(req ViewRequest) {
				defer wg.Done()
				viewID, ok := viewIDs[req.ViewName]
				if !ok {
					log.Printf("%v", &ViewFetchFailedError{ViewKey: req.ViewKey, Err: fmt.Errorf("view %q not present in workbook %q", req.ViewName, workbookName)})
					observability.Default.IncCounter(observability.MetricViewsFailed, map[string]string{"site": site}, 1)
					return
				}
				csv, err := c.fetchViewData(ctx, auth, viewID, req.FilterParams)
				if err != nil {
					log.Printf("%v", &ViewFetchFailedError{ViewKey: req.ViewKey, Err: err})
					observability.Default.IncCounter(observability.MetricViewsFailed, map[string]string{"site": site}, 1)
					return
				}
				outMu.Lock()
				out[req.ViewKey] = csv
				outMu.Unlock()
				observability.Default.IncCounter(observability.MetricViewsFetched, map[string]string{"site": site}, 1)
			}(req)
		}
		wg.Wait()
	}
	return out, nil
}
