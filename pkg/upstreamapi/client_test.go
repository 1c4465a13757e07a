package upstreamapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitTextToVideo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video:batchAsyncGenerateVideoText" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(GenerateVideoResponse{OperationName: "op-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "proj", 4)
	resp, err := c.SubmitTextToVideo(context.Background(), "tok-1", GenerateVideoRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OperationName != "op-123" {
		t.Fatalf("got OperationName %q, want op-123", resp.OperationName)
	}
}

func TestCheckStatus_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "proj", 4)
	_, err := c.CheckStatus(context.Background(), "tok-1", "op-123")
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}

	var httpErr *HTTPStatusError
	if !asHTTPStatusError(err, &httpErr) {
		t.Fatalf("expected *HTTPStatusError, got %T: %v", err, err)
	}
	if !httpErr.Transient() {
		t.Fatal("expected a 503 to be classified as transient")
	}
}

func TestHTTPStatusError_TransientOnlyFor5xx(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{400, false},
		{404, false},
		{499, false},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		e := &HTTPStatusError{StatusCode: tc.status}
		if e.Transient() != tc.transient {
			t.Errorf("status %d: Transient() = %v, want %v", tc.status, e.Transient(), tc.transient)
		}
	}
}

func TestUploadImage_SetsContentType(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewEncoder(w).Encode(UploadImageResponse{ImageURI: "uri-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "proj", 4)
	resp, err := c.UploadImage(context.Background(), "tok-1", []byte("fake-bytes"), "image/png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotContentType != "image/png" {
		t.Fatalf("got Content-Type %q, want image/png", gotContentType)
	}
	if resp.ImageURI != "uri-1" {
		t.Fatalf("got ImageURI %q, want uri-1", resp.ImageURI)
	}
}

func asHTTPStatusError(err error, target **HTTPStatusError) bool {
	e, ok := err.(*HTTPStatusError)
	if ok {
		*target = e
	}
	return ok
}

func TestExtractVideoURL_PrefersMetadataFifeURL(t *testing.T) {
	meta, _ := json.Marshal(map[string]any{
		"video": map[string]string{"fifeUrl": "https://example.com/a?x=1&amp;y=2"},
	})
	resp := &StatusResponse{
		Metadata: meta,
		VideoURL: "https://example.com/should-not-be-used",
	}

	got := ExtractVideoURL(resp)
	want := "https://example.com/a?x=1&y=2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractVideoURL_FallsBackInOrder(t *testing.T) {
	cases := []struct {
		name string
		resp *StatusResponse
		want string
	}{
		{"videoUrl", &StatusResponse{VideoURL: "v"}, "v"},
		{"fileUrl", &StatusResponse{FileURL: "f"}, "f"},
		{"downloadUrl", &StatusResponse{DownloadURL: "d"}, "d"},
		{"none", &StatusResponse{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractVideoURL(tc.resp); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractVideoURL_MalformedMetadataFallsThrough(t *testing.T) {
	resp := &StatusResponse{
		Metadata: json.RawMessage(`not json`),
		VideoURL: "https://example.com/fallback",
	}
	if got := ExtractVideoURL(resp); got != "https://example.com/fallback" {
		t.Fatalf("got %q, want fallback to videoUrl on unparseable metadata", got)
	}
}
