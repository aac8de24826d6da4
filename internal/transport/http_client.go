package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/stagesync/internal/config"
	"github.com/TheMichaelB/stagesync/internal/creds"
	"github.com/TheMichaelB/stagesync/internal/events"
	"github.com/TheMichaelB/stagesync/internal/models"
)

// HTTPClient implements Transport against the sync server's JSON API.
type HTTPClient struct {
	client          *http.Client
	baseURL         string
	userAgent       string
	cloudFolderPath string
	provider        creds.Provider
	logger          *events.Logger
}

// NewHTTPClient creates an HTTP transport.
func NewHTTPClient(cfg *config.Config, provider creds.Provider, logger *events.Logger) *HTTPClient {
	// Create transport with HTTP/2 support
	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(httpTransport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.API.Timeout,
			Transport: httpTransport,
		},
		baseURL:         strings.TrimRight(cfg.API.BaseURL, "/"),
		userAgent:       cfg.API.UserAgent,
		cloudFolderPath: cfg.Sync.CloudFolderPath,
		provider:        provider,
		logger:          logger.WithField("component", "http_client"),
	}
}

// envelope is the common response frame of every server operation.
type envelope struct {
	RC      *int   `json:"rc"`
	Message string `json:"error,omitempty"`
}

func (e *envelope) check(statusCode int) error {
	if e.RC == nil {
		return fmt.Errorf("response missing return code")
	}
	if *e.RC != models.RCOperationSucceeded {
		return &models.APIError{Code: *e.RC, Message: e.Message, StatusCode: statusCode}
	}
	return nil
}

func (c *HTTPClient) CreateNewUser(ctx context.Context) error {
	var resp envelope
	return c.post(ctx, "CreateNewUser", nil, &resp, &resp)
}

func (c *HTTPClient) CheckForExistingUser(ctx context.Context) (bool, error) {
	var resp struct {
		envelope
		Exists bool `json:"user_exists"`
	}
	if err := c.post(ctx, "CheckForExistingUser", nil, &resp, &resp.envelope); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *HTTPClient) GetFileIndex(ctx context.Context) ([]models.ServerFile, error) {
	var resp struct {
		envelope
		FileIndex []models.ServerFile `json:"file_index"`
	}
	if err := c.post(ctx, "GetFileIndex", nil, &resp, &resp.envelope); err != nil {
		return nil, err
	}
	return resp.FileIndex, nil
}

func (c *HTTPClient) UploadFile(ctx context.Context, file *models.ServerFile) error {
	return c.withCreds(ctx, func(cr creds.Credentials) error {
		return c.uploadFile(ctx, cr, file)
	})
}

func (c *HTTPClient) uploadFile(ctx context.Context, cr creds.Credentials, file *models.ServerFile) error {
	content, err := os.Open(file.LocalPath)
	if err != nil {
		return fmt.Errorf("open upload content: %w", err)
	}
	defer content.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	attrs, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal file attributes: %w", err)
	}
	if err := w.WriteField("parameters", string(c.requestBody(cr, map[string]interface{}{
		"file": json.RawMessage(attrs),
	}))); err != nil {
		return fmt.Errorf("write parameters field: %w", err)
	}

	part, err := w.CreateFormFile("file", file.RemoteName)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("copy upload content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/UploadFile", &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.WithFields(map[string]interface{}{
		"uuid":    file.UUID,
		"version": file.Version,
	}).Debug("Uploading file")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.networkError(err)
	}
	defer resp.Body.Close()

	var env envelope
	return c.decode(resp, &env, &env)
}

func (c *HTTPClient) DeleteFiles(ctx context.Context, files []models.ServerFile) error {
	var resp envelope
	return c.post(ctx, "DeleteFiles", map[string]interface{}{
		"files": files,
	}, &resp, &resp)
}

func (c *HTTPClient) StartOutboundTransfer(ctx context.Context) (string, error) {
	return c.startTransfer(ctx, "StartOutboundTransfer")
}

func (c *HTTPClient) SetupInboundTransfer(ctx context.Context, files []models.ServerFile) error {
	var resp envelope
	return c.post(ctx, "SetupInboundTransfer", map[string]interface{}{
		"files": files,
	}, &resp, &resp)
}

func (c *HTTPClient) StartInboundTransfer(ctx context.Context) (string, error) {
	return c.startTransfer(ctx, "StartInboundTransfer")
}

func (c *HTTPClient) startTransfer(ctx context.Context, op string) (string, error) {
	var resp struct {
		envelope
		OperationID string `json:"operation_id"`
	}
	if err := c.post(ctx, op, nil, &resp, &resp.envelope); err != nil {
		return "", err
	}
	if resp.OperationID == "" {
		return "", models.Inconsistencyf("%s returned no operation id", op)
	}
	return resp.OperationID, nil
}

func (c *HTTPClient) CheckOperationStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	var resp struct {
		envelope
		Status      int    `json:"operation_status"`
		ErrorDetail string `json:"operation_error,omitempty"`
		Count       int    `json:"operation_count"`
	}
	err := c.post(ctx, "CheckOperationStatus", map[string]interface{}{
		"operation_id": operationID,
	}, &resp, &resp.envelope)
	if err != nil {
		return nil, err
	}
	return &OperationStatus{
		Status:      resp.Status,
		ErrorDetail: resp.ErrorDetail,
		Count:       resp.Count,
	}, nil
}

func (c *HTTPClient) RemoveOperationID(ctx context.Context, operationID string) error {
	var resp envelope
	return c.post(ctx, "RemoveOperationId", map[string]interface{}{
		"operation_id": operationID,
	}, &resp, &resp)
}

func (c *HTTPClient) DownloadFile(ctx context.Context, fileUUID, destPath string) error {
	return c.withCreds(ctx, func(cr creds.Credentials) error {
		return c.downloadFile(ctx, cr, fileUUID, destPath)
	})
}

func (c *HTTPClient) downloadFile(ctx context.Context, cr creds.Credentials, fileUUID, destPath string) error {
	body := c.requestBody(cr, map[string]interface{}{
		"file_uuid": fileUUID,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/DownloadFile", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return c.networkError(err)
	}
	defer resp.Body.Close()

	// Errors come back as a JSON envelope; content comes back raw.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var env envelope
		return c.decode(resp, &env, &env)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d downloading %s", resp.StatusCode, fileUUID)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("write download content: %w", err)
	}
	c.logger.WithFields(map[string]interface{}{
		"uuid": fileUUID,
		"size": n,
	}).Debug("Downloaded file")
	return nil
}

func (c *HTTPClient) RemoveDownloadFile(ctx context.Context, fileUUID string) error {
	var resp envelope
	return c.post(ctx, "RemoveDownloadFile", map[string]interface{}{
		"file_uuid": fileUUID,
	}, &resp, &resp)
}

func (c *HTTPClient) Cleanup(ctx context.Context) error {
	var resp envelope
	return c.post(ctx, "Cleanup", nil, &resp, &resp)
}

// Connected probes server reachability with a short TCP dial.
func (c *HTTPClient) Connected() bool {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// post sends a JSON operation and decodes the response into out. env must
// point at out's embedded envelope. Stale credentials are refreshed and
// the call retried once.
func (c *HTTPClient) post(ctx context.Context, op string, params map[string]interface{}, out interface{}, env *envelope) error {
	return c.withCreds(ctx, func(cr creds.Credentials) error {
		return c.postOnce(ctx, cr, op, params, out, env)
	})
}

// withCreds runs fn with current credentials, refreshing once on a stale
// credentials rejection.
func (c *HTTPClient) withCreds(ctx context.Context, fn func(creds.Credentials) error) error {
	cr, err := c.provider.Credentials()
	if err != nil {
		return err
	}

	err = fn(cr)
	if !models.IsStaleCredentials(err) {
		return err
	}

	c.logger.Info("Credentials stale; refreshing")
	cr, refreshErr := c.provider.Refresh()
	if refreshErr != nil {
		return fmt.Errorf("refresh credentials: %w", refreshErr)
	}
	return fn(cr)
}

func (c *HTTPClient) postOnce(ctx context.Context, cr creds.Credentials, op string, params map[string]interface{}, out interface{}, env *envelope) error {
	body := c.requestBody(cr, params)
	url := c.baseURL + "/" + op

	c.logger.WithFields(map[string]interface{}{
		"op":   op,
		"size": len(body),
	}).Debug("Sending request")

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return c.networkError(err)
	}
	defer resp.Body.Close()

	return c.decode(resp, out, env)
}

// requestBody builds the operation body: credential parameters, the cloud
// folder path, and operation parameters.
func (c *HTTPClient) requestBody(cr creds.Credentials, params map[string]interface{}) []byte {
	body := map[string]interface{}{
		"credentials":       cr.Params(),
		"cloud_folder_path": c.cloudFolderPath,
	}
	for k, v := range params {
		body[k] = v
	}

	data, _ := json.Marshal(body)
	return data
}

func (c *HTTPClient) decode(resp *http.Response, out interface{}, env *envelope) error {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if err := json.Unmarshal(respBody, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
		}
		return fmt.Errorf("parse response: %w", err)
	}

	return env.check(resp.StatusCode)
}

// networkError classifies transport-level failures so the engine can
// distinguish lost connectivity from server faults.
func (c *HTTPClient) networkError(err error) error {
	return fmt.Errorf("%w: %v", models.ErrNetworkNotConnected, err)
}
