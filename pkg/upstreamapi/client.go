// Package upstreamapi is the HTTP client for the external long-running
// video generation API: submission, status polling, and image upload, the
// outputs named in spec.md §6.
package upstreamapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"
)

const (
	submitTimeout = 90 * time.Second
	statusTimeout = 30 * time.Second
	uploadTimeout = 60 * time.Second
)

// Client calls the upstream video generation API.
type Client struct {
	baseURL    string
	projectID  string
	httpClient *http.Client
}

// New creates an upstream API client with a shared keep-alive transport
// (30 s idle timeout, 10 s connect timeout, up to poolSize connections, no
// pipelining), per spec.md §4.5's "Upstream HTTP pool" note.
func New(baseURL, projectID string, poolSize int) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   poolSize,
		MaxConnsPerHost:       poolSize,
		IdleConnTimeout:       30 * time.Second,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: 0,
	}
	return &Client{
		baseURL:    baseURL,
		projectID:  projectID,
		httpClient: &http.Client{Transport: transport},
	}
}

// GenerateVideoRequest is the body for batchAsyncGenerateVideoText / ReferenceImages.
type GenerateVideoRequest struct {
	Prompt            string `json:"prompt"`
	AspectRatio       string `json:"aspectRatio"`
	ModelKey          string `json:"modelKey"`
	Seed              uint32 `json:"seed"`
	SceneID           string `json:"sceneId"`
	ProjectID         string `json:"projectId"`
	ReferenceImageURI string `json:"referenceImageUri,omitempty"`
}

// GenerateVideoResponse is the accepted-submission response shape.
type GenerateVideoResponse struct {
	OperationName string         `json:"operationName"`
	Error         *UpstreamError `json:"error,omitempty"`
}

// UpstreamError is the upstream's in-band error shape, distinct from a
// non-2xx HTTP status (spec.md §7's PermanentUpstream kind).
type UpstreamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubmitTextToVideo calls batchAsyncGenerateVideoText with a submit timeout.
func (c *Client) SubmitTextToVideo(ctx context.Context, token string, req GenerateVideoRequest) (*GenerateVideoResponse, error) {
	return c.submit(ctx, "/video:batchAsyncGenerateVideoText", token, req)
}

// SubmitImageToVideo calls batchAsyncGenerateVideoReferenceImages with a submit timeout.
func (c *Client) SubmitImageToVideo(ctx context.Context, token string, req GenerateVideoRequest) (*GenerateVideoResponse, error) {
	return c.submit(ctx, "/video:batchAsyncGenerateVideoReferenceImages", token, req)
}

func (c *Client) submit(ctx context.Context, path, token string, body GenerateVideoRequest) (*GenerateVideoResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	var resp GenerateVideoResponse
	if err := c.doJSON(ctx, http.MethodPost, path, token, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusRequest is the body for batchCheckAsyncVideoGenerationStatus.
type StatusRequest struct {
	OperationName string `json:"operationName"`
}

// StatusResponse is the raw upstream status shape; use ExtractVideoURL to
// pull the completion URL out of its several possible locations.
type StatusResponse struct {
	Status      string          `json:"status"`
	VideoURL    string          `json:"videoUrl"`
	FileURL     string          `json:"fileUrl"`
	DownloadURL string          `json:"downloadUrl"`
	Metadata    json.RawMessage `json:"metadata"`
	Error       *UpstreamError  `json:"error,omitempty"`
}

// ExtractVideoURL searches the locations named by spec.md §4.5's "Video URL
// extraction" in order (operation.metadata.video.fifeUrl first, then the
// flatter videoUrl/fileUrl/downloadUrl fields), then decodes HTML entities
// from the result. Both the Polling Coordinator and the synchronous
// checkStatus operation call this so a job submitted either way extracts
// its completion URL identically.
func ExtractVideoURL(resp *StatusResponse) string {
	var raw string
	if resp.Metadata != nil {
		var meta struct {
			Video struct {
				FifeURL string `json:"fifeUrl"`
			} `json:"video"`
		}
		if err := json.Unmarshal(resp.Metadata, &meta); err == nil && meta.Video.FifeURL != "" {
			raw = meta.Video.FifeURL
		}
	}
	if raw == "" {
		raw = resp.VideoURL
	}
	if raw == "" {
		raw = resp.FileURL
	}
	if raw == "" {
		raw = resp.DownloadURL
	}
	if raw == "" {
		return ""
	}
	return html.UnescapeString(raw)
}

// CheckStatus calls batchCheckAsyncVideoGenerationStatus with a status-check timeout.
func (c *Client) CheckStatus(ctx context.Context, token, operationName string) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodPost, "/video:batchCheckAsyncVideoGenerationStatus", token, StatusRequest{OperationName: operationName}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadImageResponse is the response from uploadUserImage.
type UploadImageResponse struct {
	ImageURI string `json:"imageUri"`
}

// UploadImage uploads reference image bytes ahead of an image-to-video submission.
func (c *Client) UploadImage(ctx context.Context, token string, imageBytes []byte, mimeType string) (*UploadImageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1:uploadUserImage", bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mimeType)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading image upstream: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream image upload returned HTTP %d", httpResp.StatusCode)
	}

	var resp UploadImageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling upstream %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Path: path}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

// HTTPStatusError distinguishes a non-2xx transport response (candidate for
// TransientUpstream on 5xx) from an in-band UpstreamError field.
type HTTPStatusError struct {
	StatusCode int
	Path       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned HTTP %d", e.Path, e.StatusCode)
}

// Transient reports whether this HTTP status should be retried as a
// transient upstream failure.
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode >= 500
}
