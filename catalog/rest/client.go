package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
)

// ClientOptions configures a Client
type ClientOptions struct {
	Name       string
	Timeout    time.Duration
	Token      string
	HTTPClient *http.Client
}

// Client implements catalog.Catalog against a remote Server
type Client struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

var _ catalog.Catalog = (*Client)(nil)

// NewClient creates a client for the catalog served at baseURL
func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	if baseURL == "" {
		return nil, &icerr.ValidationError{Field: "catalog.rest.uri", Message: "REST catalog URI is required"}
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, &icerr.ValidationError{Field: "catalog.rest.uri", Message: err.Error()}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	name := opts.Name
	if name == "" {
		name = "rest"
	}

	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   opts.Token,
		client:  httpClient,
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func nsPath(namespace string) string {
	return "/namespaces/" + url.PathEscape(namespace)
}

func tablePath(id catalog.Identifier) string {
	return nsPath(id.Namespace) + "/tables/" + url.PathEscape(id.Name)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &icerr.StorageError{Op: method, Key: path, Err: err}
	}
	return resp, nil
}

// call performs a request and decodes a 2xx body into out when non-nil.
// tableName and baseVersion only label commit conflicts.
func (c *Client) call(ctx context.Context, method, path string, body, out any, tableName string, baseVersion int64) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.parseError(resp, tableName, baseVersion)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response, tableName string, baseVersion int64) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("catalog error (status %d): failed to read response body", resp.StatusCode)
	}
	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil {
		body = ErrorResponse{Error: strings.TrimSpace(string(data))}
	}
	return decodeError(resp.StatusCode, body, tableName, baseVersion)
}

func (c *Client) CreateNamespace(ctx context.Context, namespace string, props map[string]string) error {
	return c.call(ctx, http.MethodPost, "/namespaces", createNamespaceRequest{Namespace: namespace, Properties: props}, nil, "", 0)
}

func (c *Client) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	var resp listNamespacesResponse
	if err := c.call(ctx, http.MethodGet, "/namespaces", nil, &resp, "", 0); err != nil {
		return nil, err
	}
	out := make([]catalog.Namespace, 0, len(resp.Namespaces))
	for _, ns := range resp.Namespaces {
		out = append(out, catalog.Namespace{Name: ns.Name, Properties: ns.Properties})
	}
	return out, nil
}

func (c *Client) LoadNamespace(ctx context.Context, namespace string) (catalog.Namespace, error) {
	var resp namespaceResponse
	if err := c.call(ctx, http.MethodGet, nsPath(namespace), nil, &resp, "", 0); err != nil {
		return catalog.Namespace{}, err
	}
	return catalog.Namespace{Name: resp.Name, Properties: resp.Properties}, nil
}

func (c *Client) UpdateNamespaceProperties(ctx context.Context, namespace string, removals []string, updates map[string]string) (catalog.PropertiesUpdateSummary, error) {
	var summary catalog.PropertiesUpdateSummary
	err := c.call(ctx, http.MethodPost, nsPath(namespace)+"/properties", updatePropertiesRequest{Removals: removals, Updates: updates}, &summary, "", 0)
	return summary, err
}

func (c *Client) DropNamespace(ctx context.Context, namespace string) error {
	return c.call(ctx, http.MethodDelete, nsPath(namespace), nil, nil, "", 0)
}

func (c *Client) CreateTable(ctx context.Context, id catalog.Identifier, schema *table.Schema, opts ...catalog.CreateTableOpt) (*catalog.Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var o catalog.CreateTableOptions
	for _, opt := range opts {
		opt(&o)
	}
	req := CreateTableRequest{
		Name:          id.Name,
		Schema:        schema,
		PartitionSpec: o.PartitionSpec,
		Properties:    o.Properties,
		Location:      o.Location,
	}
	var resp LoadTableResponse
	if err := c.call(ctx, http.MethodPost, nsPath(id.Namespace)+"/tables", req, &resp, id.String(), 0); err != nil {
		return nil, err
	}
	return resp.toTable(), nil
}

func (c *Client) LoadTable(ctx context.Context, id catalog.Identifier) (*catalog.Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var resp LoadTableResponse
	if err := c.call(ctx, http.MethodGet, tablePath(id), nil, &resp, id.String(), 0); err != nil {
		return nil, err
	}
	return resp.toTable(), nil
}

func (c *Client) ListTables(ctx context.Context, namespace string) ([]catalog.Identifier, error) {
	var resp listTablesResponse
	if err := c.call(ctx, http.MethodGet, nsPath(namespace)+"/tables", nil, &resp, "", 0); err != nil {
		return nil, err
	}
	return resp.Identifiers, nil
}

func (c *Client) DropTable(ctx context.Context, id catalog.Identifier) error {
	if err := id.Validate(); err != nil {
		return err
	}
	return c.call(ctx, http.MethodDelete, tablePath(id), nil, nil, id.String(), 0)
}

// CommitTable sends the new metadata; a 409 comes back as
// *icerr.CommitConflictError with the server's current version
func (c *Client) CommitTable(ctx context.Context, id catalog.Identifier, baseVersion int64, next *table.Metadata) (*catalog.Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var resp LoadTableResponse
	req := CommitTableRequest{BaseVersion: baseVersion, NewMetadata: next}
	if err := c.call(ctx, http.MethodPost, tablePath(id), req, &resp, id.String(), baseVersion); err != nil {
		return nil, err
	}
	return resp.toTable(), nil
}

// ListSnapshots returns the table's snapshots as listed by the server
func (c *Client) ListSnapshots(ctx context.Context, id catalog.Identifier) ([]table.SnapshotInfo, error) {
	var resp listSnapshotsResponse
	if err := c.call(ctx, http.MethodGet, tablePath(id)+"/snapshots", nil, &resp, id.String(), 0); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// ListDataFiles returns the live files of a snapshot, or of the current
// snapshot when snapshotID is nil
func (c *Client) ListDataFiles(ctx context.Context, id catalog.Identifier, snapshotID *int64) ([]table.DataFile, error) {
	path := tablePath(id) + "/files"
	if snapshotID != nil {
		path += "?snapshot_id=" + strconv.FormatInt(*snapshotID, 10)
	}
	var resp listFilesResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &resp, id.String(), 0); err != nil {
		return nil, err
	}
	return resp.Files, nil
}
