// Package search is a triage.Retriever over a hybrid (keyword + vector)
// search index exposing the Azure AI Search REST API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

const (
	apiVersion    = "2024-07-01"
	vectorField   = "content_vector"
	selectFields  = "id,title,department,team,source,url"
	maxErrorBytes = 4 << 10
)

// Client queries one search index.
type Client struct {
	endpoint   string
	index      string
	apiKey     string
	httpClient *http.Client
}

// New returns a Client for index at endpoint. A nil httpClient gets an
// otelhttp-instrumented client with a 10s timeout.
func New(endpoint, index, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		index:      index,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type vectorQuery struct {
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Fields string `json:"fields"`
	K      int    `json:"k"`
}

type searchRequest struct {
	Search        string        `json:"search"`
	Filter        string        `json:"filter,omitempty"`
	Top           int           `json:"top"`
	Select        string        `json:"select"`
	VectorQueries []vectorQuery `json:"vectorQueries"`
}

type searchResponse struct {
	Value []struct {
		Score float64 `json:"@search.score"`
		ID    string  `json:"id"`
		Title string  `json:"title"`
	} `json:"value"`
}

// Search implements triage.Retriever. Keyword and vector legs run in one
// request; the service vectorizes the query text itself.
func (c *Client) Search(ctx context.Context, q triage.SearchQuery) ([]triage.Document, error) {
	top := q.TopK
	if top <= 0 {
		top = 5
	}
	body, err := json.Marshal(searchRequest{
		Search: q.Text,
		Filter: Filter(q.Department, q.Team),
		Top:    top,
		Select: selectFields,
		VectorQueries: []vectorQuery{{
			Kind:   "text",
			Text:   q.Text,
			Fields: vectorField,
			K:      top,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	u := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s", c.endpoint, url.PathEscape(c.index), apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, fmt.Errorf("search api error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	docs := make([]triage.Document, 0, len(out.Value))
	for _, v := range out.Value {
		title := v.Title
		if title == "" {
			title = "Untitled"
		}
		docs = append(docs, triage.Document{ID: v.ID, Title: title, Score: v.Score})
	}
	return docs, nil
}

// Filter builds the OData filter for a department/team scope. Team is only
// applied together with a department.
func Filter(department, team string) string {
	if department == "" {
		return ""
	}
	f := "department eq " + quote(department)
	if team != "" {
		f += " and team eq " + quote(team)
	}
	return f
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
