package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	extensionsPath = "/api/v2/extensions"
	maxErrorBody   = 1 << 20
)

// ExtensionVersion is one version entry reported for an extension
type ExtensionVersion struct {
	ExtensionName string `json:"extensionName"`
	Version       string `json:"version"`
}

type listResponse struct {
	Extensions  []ExtensionVersion `json:"extensions"`
	TotalCount  int                `json:"totalCount"`
	NextPageKey string             `json:"nextPageKey,omitempty"`
}

// UploadResult is the registry's acknowledgement of an uploaded archive
type UploadResult struct {
	ExtensionName string `json:"extensionName"`
	Version       string `json:"version"`
	Author        string `json:"author,omitempty"`
}

// Client talks to the extension registry over HTTP
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// New creates a registry client. Authentication uses the API token when
// set, otherwise OAuth2 client credentials when configured.
func New(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	base := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	httpClient := base
	if cfg.Token == "" && cfg.OAuth != nil {
		c, err := oauthClient(ctx, base, *cfg.OAuth)
		if err != nil {
			return nil, err
		}
		httpClient = c
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ListVersions returns the versions the registry holds for name, oldest
// first. An extension the registry has never seen has no versions.
func (c *Client) ListVersions(ctx context.Context, name string) ([]string, error) {
	var versions []string
	query := url.Values{}

	for {
		var page listResponse
		status, err := c.do(ctx, http.MethodGet, extensionsPath+"/"+url.PathEscape(name), query, nil, "", &page)
		if status == http.StatusNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
		}
		for _, e := range page.Extensions {
			versions = append(versions, e.Version)
		}
		if page.NextPageKey == "" {
			break
		}
		// the page key carries the original query
		query = url.Values{"nextPageKey": {page.NextPageKey}}
	}

	return versions, nil
}

// DeleteVersion removes one version of name
func (c *Client) DeleteVersion(ctx context.Context, name, version string) error {
	path := extensionsPath + "/" + url.PathEscape(name) + "/" + url.PathEscape(version)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, nil, "", nil); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", name, version, err)
	}
	return nil
}

// Upload submits an outer archive. With dryRun the registry only validates it.
func (c *Client) Upload(ctx context.Context, fileName string, archive []byte, dryRun bool) (*UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(archive); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	query := url.Values{"validateOnly": {strconv.FormatBool(dryRun)}}
	var result UploadResult
	if _, err := c.do(ctx, http.MethodPost, extensionsPath, query, &body, mw.FormDataContentType(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Activate makes version the one in effect for name in the environment
func (c *Client) Activate(ctx context.Context, name, version string) error {
	payload, err := json.Marshal(map[string]string{"version": version})
	if err != nil {
		return fmt.Errorf("failed to marshal activation: %w", err)
	}
	path := extensionsPath + "/" + url.PathEscape(name) + "/environmentConfiguration"
	if _, err := c.do(ctx, http.MethodPut, path, nil, bytes.NewReader(payload), "application/json", nil); err != nil {
		return fmt.Errorf("failed to activate %s %s: %w", name, version, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out interface{}) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Api-Token "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("Registry request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, decodeError(resp.StatusCode, data)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
