package onstaq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	apperrors "staqflow/internal/errors"
	"staqflow/internal/logging"
)

const defaultTimeout = 30 * time.Second

// API is the upstream surface the engine depends on. *Client implements it;
// tests substitute a fake.
type API interface {
	Login(ctx context.Context) error
	GetMe(ctx context.Context) (*User, error)
	ValidateToken(ctx context.Context, token string) (*User, error)

	ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]Member, error)
	AddWorkspaceMember(ctx context.Context, workspaceID, userID, role string) (*Member, error)

	ListCatalogs(ctx context.Context, workspaceID string) ([]Catalog, error)
	GetCatalog(ctx context.Context, catalogID string) (*Catalog, error)
	CreateCatalog(ctx context.Context, workspaceID, name string, options map[string]any) (*Catalog, error)
	CreateAttribute(ctx context.Context, catalogID, name, attrType string, options map[string]any) (*Attribute, error)

	ListItems(ctx context.Context, catalogID string, opts ListOptions) (*ItemList, error)
	GetItem(ctx context.Context, itemID string) (*Item, error)
	FindItemByKey(ctx context.Context, workspaceID, key string) (*Item, error)
	CreateItem(ctx context.Context, catalogID string, attributes map[string]any) (*Item, error)
	UpdateItem(ctx context.Context, itemID string, attributes map[string]any) (*Item, error)
	DeleteItem(ctx context.Context, itemID string) error
	ImportItems(ctx context.Context, catalogID string, rows []map[string]any, keyColumn string) (*ImportResult, error)

	ListReferences(ctx context.Context, itemID string) ([]Reference, error)
	ListBackReferences(ctx context.Context, itemID string) ([]Reference, error)
	CreateReference(ctx context.Context, fromItemID, toItemID, kind, label string) (*Reference, error)
	DeleteReference(ctx context.Context, itemID, referenceID string) error

	ListHistory(ctx context.Context, itemID string) ([]HistoryEntry, error)
	ListComments(ctx context.Context, itemID string) ([]Comment, error)
	AddComment(ctx context.Context, itemID, body string) (*Comment, error)

	ExecuteQuery(ctx context.Context, workspaceID, query string) (*QueryResult, error)
}

// Client is the HTTP client for the upstream item-management service.
type Client struct {
	baseURL  string
	email    string
	password string
	http     *http.Client
	logger   logging.Logger
	retry    apperrors.RetryConfig

	mu    sync.RWMutex
	token string
}

var _ API = (*Client)(nil)

// NewClient creates an upstream client authenticating with service credentials.
func NewClient(baseURL, email, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		email:    email,
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
		logger:   logging.NewComponentLogger("OnstaqClient"),
		retry:    apperrors.DefaultRetryConfig(),
	}
}

// NewClientWithToken creates a client with an injected bearer token. Used when
// the engine acts on behalf of a caller rather than the service account.
func NewClientWithToken(baseURL, token string) *Client {
	client := NewClient(baseURL, "", "")
	client.token = token
	return client
}

// Login authenticates with the configured service credentials and stores the
// bearer token for subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	if c.email == "" {
		return apperrors.New(apperrors.KindAuth, "no service credentials configured")
	}

	payload := map[string]string{"email": c.email, "password": c.password}
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	if err := c.doOnce(ctx, http.MethodPost, "/api/auth/login", nil, payload, &resp, ""); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return apperrors.New(apperrors.KindAuth, "login returned no token")
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.logger.Info("Authenticated against upstream as %s", c.email)
	return nil
}

// GetMe returns the authenticated user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ValidateToken round-trips a caller token against the upstream GetMe endpoint.
func (c *Client) ValidateToken(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.doOnce(ctx, http.MethodGet, "/api/auth/me", nil, nil, &user, token); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	var members []Member
	path := fmt.Sprintf("/api/workspaces/%s/members", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) AddWorkspaceMember(ctx context.Context, workspaceID, userID, role string) (*Member, error) {
	var member Member
	path := fmt.Sprintf("/api/workspaces/%s/members", url.PathEscape(workspaceID))
	payload := map[string]string{"userId": userID, "role": role}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *Client) ListCatalogs(ctx context.Context, workspaceID string) ([]Catalog, error) {
	var catalogs []Catalog
	path := fmt.Sprintf("/api/workspaces/%s/catalogs", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &catalogs); err != nil {
		return nil, err
	}
	return catalogs, nil
}

func (c *Client) GetCatalog(ctx context.Context, catalogID string) (*Catalog, error) {
	var catalog Catalog
	path := fmt.Sprintf("/api/catalogs/%s", url.PathEscape(catalogID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &catalog); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Client) CreateCatalog(ctx context.Context, workspaceID, name string, options map[string]any) (*Catalog, error) {
	var catalog Catalog
	path := fmt.Sprintf("/api/workspaces/%s/catalogs", url.PathEscape(workspaceID))
	payload := map[string]any{"name": name}
	for k, v := range options {
		payload[k] = v
	}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &catalog); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Client) CreateAttribute(ctx context.Context, catalogID, name, attrType string, options map[string]any) (*Attribute, error) {
	var attribute Attribute
	path := fmt.Sprintf("/api/catalogs/%s/attributes", url.PathEscape(catalogID))
	payload := map[string]any{"name": name, "type": attrType}
	if len(options) > 0 {
		payload["options"] = options
	}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &attribute); err != nil {
		return nil, err
	}
	return &attribute, nil
}

func (c *Client) ListItems(ctx context.Context, catalogID string, opts ListOptions) (*ItemList, error) {
	query := url.Values{}
	if opts.SortBy != "" {
		query.Set("sortBy", opts.SortBy)
	}
	if opts.SortOrder != "" {
		query.Set("sortOrder", opts.SortOrder)
	}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Search != "" {
		query.Set("search", opts.Search)
	}
	for name, value := range opts.Filters {
		query.Set("attr."+name, value)
	}

	var list ItemList
	path := fmt.Sprintf("/api/catalogs/%s/items", url.PathEscape(catalogID))
	if err := c.do(ctx, http.MethodGet, path, query, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var item Item
	path := fmt.Sprintf("/api/items/%s", url.PathEscape(itemID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// FindItemByKey resolves a single item by its workspace-unique key.
func (c *Client) FindItemByKey(ctx context.Context, workspaceID, key string) (*Item, error) {
	query := url.Values{}
	query.Set("key", key)
	var list ItemList
	path := fmt.Sprintf("/api/workspaces/%s/items", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodGet, path, query, nil, &list); err != nil {
		return nil, err
	}
	if len(list.Items) == 0 {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("item with key %q not found", key))
	}
	return &list.Items[0], nil
}

func (c *Client) CreateItem(ctx context.Context, catalogID string, attributes map[string]any) (*Item, error) {
	var item Item
	path := fmt.Sprintf("/api/catalogs/%s/items", url.PathEscape(catalogID))
	payload := map[string]any{"attributeValues": attributes}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) UpdateItem(ctx context.Context, itemID string, attributes map[string]any) (*Item, error) {
	var item Item
	path := fmt.Sprintf("/api/items/%s", url.PathEscape(itemID))
	payload := map[string]any{"attributeValues": attributes}
	if err := c.do(ctx, http.MethodPut, path, nil, payload, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	path := fmt.Sprintf("/api/items/%s", url.PathEscape(itemID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) ImportItems(ctx context.Context, catalogID string, rows []map[string]any, keyColumn string) (*ImportResult, error) {
	var result ImportResult
	path := fmt.Sprintf("/api/catalogs/%s/items/import", url.PathEscape(catalogID))
	payload := map[string]any{"rows": rows}
	if keyColumn != "" {
		payload["keyColumn"] = keyColumn
	}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListReferences(ctx context.Context, itemID string) ([]Reference, error) {
	var refs []Reference
	path := fmt.Sprintf("/api/items/%s/references", url.PathEscape(itemID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *Client) ListBackReferences(ctx context.Context, itemID string) ([]Reference, error) {
	var refs []Reference
	path := fmt.Sprintf("/api/items/%s/back-references", url.PathEscape(itemID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *Client) CreateReference(ctx context.Context, fromItemID, toItemID, kind, label string) (*Reference, error) {
	var ref Reference
	path := fmt.Sprintf("/api/items/%s/references", url.PathEscape(fromItemID))
	payload := map[string]string{"toItemId": toItemID, "kind": kind}
	if label != "" {
		payload["label"] = label
	}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *Client) DeleteReference(ctx context.Context, itemID, referenceID string) error {
	path := fmt.Sprintf("/api/items/%s/references/%s", url.PathEscape(itemID), url.PathEscape(referenceID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) ListHistory(ctx context.Context, itemID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	path := fmt.Sprintf("/api/items/%s/history", url.PathEscape(itemID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) ListComments(ctx context.Context, itemID string) ([]Comment, error) {
	var comments []Comment
	path := fmt.Sprintf("/api/items/%s/comments", url.PathEscape(itemID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (c *Client) AddComment(ctx context.Context, itemID, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/api/items/%s/comments", url.PathEscape(itemID))
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// ExecuteQuery runs an ad-hoc OQL query in the given workspace. The query
// text is opaque to the engine.
func (c *Client) ExecuteQuery(ctx context.Context, workspaceID, query string) (*QueryResult, error) {
	var result QueryResult
	path := fmt.Sprintf("/api/workspaces/%s/query", url.PathEscape(workspaceID))
	payload := map[string]string{"query": query}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do performs a request with the stored token, re-logging in once on 401.
// Transient failures (timeouts, 5xx, 429) are retried with backoff for
// idempotent methods; POST bodies get a single attempt since upstream writes
// are not idempotent.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	attempt := func(ctx context.Context) error {
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()

		err := c.doOnce(ctx, method, path, query, payload, out, token)
		if err != nil && apperrors.IsAuth(err) && c.email != "" {
			c.logger.Warn("Upstream returned 401, re-authenticating")
			if loginErr := c.Login(ctx); loginErr != nil {
				return loginErr
			}
			c.mu.RLock()
			token = c.token
			c.mu.RUnlock()
			return c.doOnce(ctx, method, path, query, payload, out, token)
		}
		return err
	}

	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
		return apperrors.RetryWithLog(ctx, c.retry, attempt, c.logger)
	default:
		return attempt(ctx)
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload, out any, token string) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyHTTPError(method, path, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func classifyHTTPError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := string(bytes.TrimSpace(raw))
	if message == "" {
		message = resp.Status
	}
	summary := fmt.Sprintf("%s %s: upstream %d: %s", method, path, resp.StatusCode, message)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.New(apperrors.KindAuth, summary)
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.KindNotFound, summary)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.KindTransient, summary)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.KindValidation, summary)
	default:
		return apperrors.New(apperrors.KindPermanent, summary)
	}
}
