package holdlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Holdline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers accept it only
	// when the legacy header is enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Resource is the API resource model. Amounts are decimal strings.
type Resource struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Development         string     `json:"development,omitempty"`
	ListPrice           string     `json:"list_price"`
	LifecycleStage      string     `json:"lifecycle_stage"`
	CommittedActorID    *string    `json:"committed_actor_id,omitempty"`
	CommitmentStartedAt *time.Time `json:"commitment_started_at,omitempty"`
	CommitmentExpiresAt *time.Time `json:"commitment_expires_at,omitempty"`
	DepositPaid         bool       `json:"deposit_paid"`
	DepositAmount       string     `json:"deposit_amount"`
	DepositPaidAt       *time.Time `json:"deposit_paid_at,omitempty"`
}

// CatalogEntry is what the public catalog shows of a resource.
type CatalogEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Development string `json:"development,omitempty"`
	ListPrice   string `json:"list_price"`
}

// CatalogPage wraps catalog listings with a cursor.
type CatalogPage struct {
	Items      []CatalogEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// CatalogQuery narrows a catalog listing. Zero values are omitted.
type CatalogQuery struct {
	Development string
	MaxPrice    string
	Limit       int
	After       string
}

type Interest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	ActorID    string `json:"actor_id"`
	Status     string `json:"status"`
}

type ResourceDetail struct {
	Resource  Resource   `json:"resource"`
	Interests []Interest `json:"interests"`
}

// Release reports an administrative release and the deposit to refund.
type Release struct {
	Resource Resource `json:"resource"`
	ActorID  string   `json:"released_actor_id"`
	Refund   string   `json:"refund"`
}

// APIError wraps non-2xx responses. Code carries the error envelope's code, e.g.
// "resource_already_committed".
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Catalog lists visible resources.
func (c *Client) Catalog(ctx context.Context, q CatalogQuery) (CatalogPage, error) {
	params := url.Values{}
	if q.Development != "" {
		params.Set("development", q.Development)
	}
	if q.MaxPrice != "" {
		params.Set("max_price", q.MaxPrice)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	endpoint := "v0/catalog/resources"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp CatalogPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// IsVisible reports whether the resource is shown in the catalog.
func (c *Client) IsVisible(ctx context.Context, resourceID string) (bool, error) {
	var resp struct {
		Visible bool `json:"visible"`
	}
	err := c.do(ctx, http.MethodGet, c.resourcePath("catalog/resources", resourceID, "visible"), nil, &resp)
	return resp.Visible, err
}

// CreateResource adds a resource; an empty id lets the server assign one.
func (c *Client) CreateResource(ctx context.Context, id, title, development, listPrice string) (Resource, error) {
	body := map[string]any{
		"title":       title,
		"development": development,
		"list_price":  listPrice,
	}
	if id != "" {
		body["id"] = id
	}
	var resp Resource
	err := c.do(ctx, http.MethodPost, "v0/resources", body, &resp)
	return resp, err
}

// Resource fetches a resource with its interests.
func (c *Client) Resource(ctx context.Context, resourceID string) (ResourceDetail, error) {
	var resp ResourceDetail
	err := c.do(ctx, http.MethodGet, c.resourcePath("resources", resourceID, ""), nil, &resp)
	return resp, err
}

func (c *Client) ExpressInterest(ctx context.Context, resourceID string) (Interest, error) {
	var resp Interest
	err := c.do(ctx, http.MethodPost, c.resourcePath("resources", resourceID, "interest"), nil, &resp)
	return resp, err
}

func (c *Client) WithdrawInterest(ctx context.Context, resourceID string) (Interest, error) {
	var resp Interest
	err := c.do(ctx, http.MethodDelete, c.resourcePath("resources", resourceID, "interest"), nil, &resp)
	return resp, err
}

// Commit takes the exclusive hold on a resource.
func (c *Client) Commit(ctx context.Context, resourceID string) (Resource, error) {
	var resp Resource
	err := c.do(ctx, http.MethodPost, c.resourcePath("resources", resourceID, "commitment"), nil, &resp)
	return resp, err
}

func (c *Client) CancelCommitment(ctx context.Context, resourceID string) (Resource, error) {
	var resp Resource
	err := c.do(ctx, http.MethodDelete, c.resourcePath("resources", resourceID, "commitment"), nil, &resp)
	return resp, err
}

// PayDeposit records a confirmed deposit of amount, a decimal string.
func (c *Client) PayDeposit(ctx context.Context, resourceID, amount string) (Resource, error) {
	var resp Resource
	err := c.do(ctx, http.MethodPost, c.resourcePath("resources", resourceID, "deposit"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

// ForceRelease is the administrative release.
func (c *Client) ForceRelease(ctx context.Context, resourceID, reason string) (Release, error) {
	var resp Release
	err := c.do(ctx, http.MethodPost, c.resourcePath("resources", resourceID, "release"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) resourcePath(collection, id, sub string) string {
	p := fmt.Sprintf("v0/%s/%s", collection, url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
