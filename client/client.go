// client/client.go
package client

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

	"themesync/internal/auth"
	apperrors "themesync/internal/errors"
	"themesync/shared/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed response is read for its message
const maxErrorBody = 64 * 1024

type InitUploadRequest struct {
	FileName string      `json:"fileName"`
	Size     int64       `json:"size"`
	MimeType string      `json:"mimeType"`
	Checksum shared.Hash `json:"checksum"`
}

// UploadEndpoint is a pre-signed destination for one upload
type UploadEndpoint struct {
	SignedURL string    `json:"signedUrl"`
	Expire    time.Time `json:"expire"`
	FileID    string    `json:"fileId"`
}

type initUploadResponse struct {
	Endpoint UploadEndpoint `json:"endpoint"`
}

type CreateFileRequest struct {
	Name     string      `json:"name"`
	FileURL  string      `json:"fileUrl"`
	Checksum shared.Hash `json:"checksum"`
}

// UpdateFileRequest pushes a new version. ParentHash is the version the
// client last synced; the backend rejects the push if its head moved.
type UpdateFileRequest struct {
	ParentHash shared.Hash `json:"parentHash"`
	FilePath   string      `json:"filePath"`
	Checksum   shared.Hash `json:"checksum"`
}

// PushResponse is returned by both create and update
type PushResponse struct {
	ID                   int64       `json:"id"`
	HeadVersionID        int64       `json:"headVersionId"`
	HeadVersionHash      shared.Hash `json:"headVersionHash"`
	HeadVersionCreatedAt time.Time   `json:"headVersionCreatedAt"`
	HeadVersionFilePath  string      `json:"headVersionFilePath"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client talks to the remote version backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.Provider
	logger     *zap.Logger
}

func New(baseURL string, timeout time.Duration, tokens auth.Provider, logger *zap.Logger) *Client {
	return NewWithHTTPClient(&http.Client{Timeout: timeout}, baseURL, tokens, logger)
}

func NewWithHTTPClient(httpClient *http.Client, baseURL string, tokens auth.Provider, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// RemoteVersions fetches head metadata for every category in one call
func (c *Client) RemoteVersions(ctx context.Context) (*shared.RemoteSnapshot, error) {
	var out shared.RemoteSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/remote-version", nil, &out); err != nil {
		return nil, fmt.Errorf("fetching remote versions: %w", err)
	}
	return &out, nil
}

func (c *Client) InitUpload(ctx context.Context, cat shared.Category, req InitUploadRequest) (*UploadEndpoint, error) {
	var out initUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/"+string(cat)+"/initUpload", req, &out); err != nil {
		return nil, fmt.Errorf("initiating upload: %w", err)
	}
	if out.Endpoint.SignedURL == "" {
		return nil, apperrors.Remote(http.StatusOK, "upload session without signed url")
	}
	return &out.Endpoint, nil
}

// Upload puts raw bytes to a pre-signed URL. The URL carries its own
// authorization, so no bearer token is sent.
func (c *Client) Upload(ctx context.Context, signedURL, mimeType string, content []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(signedURL), bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.ContentLength = int64(len(content))
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	resp, err := c.send(req)
	if err != nil {
		return fmt.Errorf("uploading content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("uploading content: %w", readError(resp))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) CreateFile(ctx context.Context, cat shared.Category, req CreateFileRequest) (*PushResponse, error) {
	var out PushResponse
	if err := c.doJSON(ctx, http.MethodPost, "/"+string(cat), req, &out); err != nil {
		return nil, fmt.Errorf("creating remote file: %w", err)
	}
	return &out, nil
}

func (c *Client) UpdateFile(ctx context.Context, id int64, req UpdateFileRequest) (*PushResponse, error) {
	var out PushResponse
	path := "/push/" + strconv.FormatInt(id, 10)
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, fmt.Errorf("pushing remote file %d: %w", id, err)
	}
	return &out, nil
}

// DeleteFile removes a file and its history from the backend. A file that
// is already gone is not an error.
func (c *Client) DeleteFile(ctx context.Context, cat shared.Category, id int64) error {
	path := "/" + string(cat) + "/" + strconv.FormatInt(id, 10)
	err := c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("deleting remote file %d: %w", id, err)
	}
	return nil
}

// Download fetches remote content. The body is returned as-is whether
// the server labels it text or binary.
func (c *Client) Download(ctx context.Context, fileURL string) ([]byte, error) {
	target := c.resolve(fileURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	if c.sameOrigin(req.URL) {
		if err := c.authorize(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("downloading content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading content: %w", readError(resp))
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Network("reading download body", err)
	}
	return content, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Network("decoding response", err)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return apperrors.Unauthorized("no credential provider")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolving session token: %w", err)
	}
	if token == "" {
		return apperrors.Unauthorized("not signed in")
	}
	if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = "Bearer " + token
	}
	req.Header.Set("Authorization", token)
	return nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("request_id", requestID),
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Error(err),
		)
		return nil, apperrors.Network(req.Method+" "+req.URL.Path, err)
	}
	c.logger.Debug("remote request completed",
		zap.String("request_id", requestID),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// resolve turns a server-relative URL into an absolute one
func (c *Client) resolve(u string) string {
	if strings.HasPrefix(u, "/") {
		return c.baseURL + u
	}
	return u
}

// sameOrigin reports whether u shares scheme, host and port with the
// backend. Only those requests carry the bearer token.
func (c *Client) sameOrigin(u *url.URL) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, base.Scheme) &&
		strings.EqualFold(u.Hostname(), base.Hostname()) &&
		effectivePort(u) == effectivePort(base)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var eb errorBody
	msg := ""
	if json.Unmarshal(data, &eb) == nil {
		msg = eb.Message
		if msg == "" {
			msg = eb.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return apperrors.FromStatus(resp.StatusCode, msg)
}
