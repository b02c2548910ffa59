package matching

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func samplePCD(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WritePCD(&buf, pcdSample, PCDBinaryCompressed); err != nil {
		t.Fatalf("WritePCD: %v", err)
	}
	return buf.Bytes()
}

func TestFetchCloud_PCD(t *testing.T) {
	body := samplePCD(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/maps/site.pcd" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cloud, err := FetchCloud(context.Background(), srv.URL+"/maps/site.pcd", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchCloud() error: %v", err)
	}
	if len(cloud) != len(pcdSample) {
		t.Errorf("len(cloud) = %d, want %d", len(cloud), len(pcdSample))
	}
}

func TestFetchCloud_LAS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.las")
	if err := WriteLAS(path, pcdSample); err != nil {
		t.Fatalf("WriteLAS: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cloud, err := FetchCloud(context.Background(), srv.URL+"/map.las", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchCloud() error: %v", err)
	}
	if len(cloud) != len(pcdSample) {
		t.Errorf("len(cloud) = %d, want %d", len(cloud), len(pcdSample))
	}
}

func TestFetchCloud_EmptyURL(t *testing.T) {
	_, err := FetchCloud(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
	if !strings.Contains(err.Error(), "URL is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchCloud_InvalidBodyNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte("not a point cloud"))
	}))
	defer srv.Close()

	_, err := FetchCloud(context.Background(), srv.URL+"/map.pcd",
		WithHTTPClient(srv.Client()), WithBaseBackoff(time.Millisecond))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestFetchCloud_ServerError_Retries(t *testing.T) {
	body := samplePCD(t)
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cloud, err := FetchCloud(context.Background(), srv.URL+"/map.pcd",
		WithHTTPClient(srv.Client()), WithMaxRetries(3), WithBaseBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("FetchCloud() error: %v", err)
	}
	if len(cloud) != len(pcdSample) {
		t.Errorf("len(cloud) = %d, want %d", len(cloud), len(pcdSample))
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestFetchCloud_AllRetriesFail(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := FetchCloud(context.Background(), srv.URL+"/map.pcd",
		WithHTTPClient(srv.Client()), WithMaxRetries(2), WithBaseBackoff(time.Millisecond))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestFetchCloud_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := FetchCloud(ctx, srv.URL+"/map.pcd",
		WithHTTPClient(srv.Client()), WithMaxRetries(5), WithBaseBackoff(time.Hour))
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("FetchCloud ignored cancellation")
	}
}

func TestLoadCloud_FromURL(t *testing.T) {
	body := samplePCD(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cloud, err := LoadCloud(context.Background(), srv.URL+"/map.pcd", WithHTTPClient(srv.Client()), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("LoadCloud() error: %v", err)
	}
	if len(cloud) != len(pcdSample) {
		t.Errorf("len(cloud) = %d, want %d", len(cloud), len(pcdSample))
	}
}
