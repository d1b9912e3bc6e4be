package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bilisync/bilisync/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// Cursor is the opaque pagination token pair the upstream API issues to
// continue a fetch. The zero value requests the first page.
type Cursor struct {
	Max    int64 `json:"max"`
	ViewAt int64 `json:"view_at"`
}

func (c Cursor) IsZero() bool {
	return c.Max == 0 && c.ViewAt == 0
}

// String is the form cursors are recorded under in the ledger.
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.Max, c.ViewAt)
}

// Page is one decoded page of the upstream history feed.
type Page struct {
	Cursor Cursor
	List   []*models.HistoryRecord
}

// Fetcher fetches one page of remote history. Satisfied by Client; tests
// substitute a scripted implementation.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor Cursor) (*Page, error)
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Cursor Cursor                  `json:"cursor"`
		List   []*models.HistoryRecord `json:"list"`
	} `json:"data"`
}

// Client fetches the paginated watch-history endpoint.
type Client struct {
	baseURL  string
	cookie   string
	pageSize int
	http     *http.Client
}

func NewClient(baseURL, cookie string, pageSize int) *Client {
	return &Client{
		baseURL:  baseURL,
		cookie:   cookie,
		pageSize: pageSize,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) FetchPage(ctx context.Context, cursor Cursor) (*Page, error) {
	query := url.Values{}
	query.Set("ps", strconv.Itoa(c.pageSize))
	query.Set("business", models.BusinessArchive)
	if !cursor.IsZero() {
		query.Set("max", strconv.FormatInt(cursor.Max, 10))
		query.Set("view_at", strconv.FormatInt(cursor.ViewAt, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/x/web-interface/history/cursor?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "history API unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("history API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	env := envelope{}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "undecodable history API response")
	}
	if env.Code != 0 {
		// Surface the upstream message verbatim.
		return nil, errors.Errorf("history API error %d: %s", env.Code, env.Message)
	}

	for _, r := range env.Data.List {
		r.Normalize()
	}

	return &Page{Cursor: env.Data.Cursor, List: env.Data.List}, nil
}
