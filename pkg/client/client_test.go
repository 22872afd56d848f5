package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/rtbids/rtbids/pkg/api"
	"github.com/rtbids/rtbids/pkg/archive"
	"github.com/rtbids/rtbids/pkg/auth"
	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/client"
	"github.com/rtbids/rtbids/pkg/nifti"
	"github.com/rtbids/rtbids/pkg/retry"
)

func newTestIncremental(t *testing.T, value int16) *bids.Incremental {
	t.Helper()

	hdr, err := nifti.NewHeader(nifti.TypeInt16, []int64{4, 4, 3}, []float64{2, 2, 2, 1.5})
	if err != nil {
		t.Fatalf("NewHeader failed: %v", err)
	}
	values := make([]int16, 4*4*3)
	for i := range values {
		values[i] = value
	}
	img, err := nifti.NewImage(hdr, nifti.PackInt16(values))
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}

	meta := bids.NewImageMetadata("01", "rest", "bold", 1.5, 0.03)
	meta["run"] = 1
	inc, err := bids.NewIncremental(img, meta, nil)
	if err != nil {
		t.Fatalf("NewIncremental failed: %v", err)
	}
	return inc
}

// newTestServer starts a bidsd API over a dataset with three volumes
// and returns the server plus the dataset path.
func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	dataset := t.TempDir()
	arch, err := archive.Open(dataset)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for v := int16(0); v < 3; v++ {
		if _, err := arch.Append(newTestIncremental(t, v), true); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	arch.Close()

	handler := api.NewHandler(api.NewRegistry(0), nil)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, dataset
}

func fastRetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestStreamLifecycle(t *testing.T) {
	srv, dataset := newTestServer(t)
	cli := client.New(srv.URL)
	ctx := context.Background()

	info, err := cli.OpenPath(ctx, dataset, map[string]string{"subject": "01", "task": "rest"})
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if info.NumVolumes != 3 {
		t.Errorf("Expected 3 volumes, got %d", info.NumVolumes)
	}
	if info.Source != "path" {
		t.Errorf("Expected source path, got %s", info.Source)
	}

	streams, err := cli.Streams(ctx)
	if err != nil {
		t.Fatalf("Streams failed: %v", err)
	}
	if len(streams) != 1 || streams[0].ID != info.ID {
		t.Errorf("Expected listing with stream %s, got %v", info.ID, streams)
	}

	fetched, err := cli.StreamInfo(ctx, info.ID)
	if err != nil {
		t.Fatalf("StreamInfo failed: %v", err)
	}
	if fetched.ID != info.ID {
		t.Errorf("Expected stream %s, got %s", info.ID, fetched.ID)
	}

	if err := cli.CloseStream(ctx, info.ID); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	streams, err = cli.Streams(ctx)
	if err != nil {
		t.Fatalf("Streams failed: %v", err)
	}
	if len(streams) != 0 {
		t.Errorf("Expected no streams after close, got %d", len(streams))
	}

	// Closing a closed stream reports the 404 from the server.
	err = cli.CloseStream(ctx, info.ID)
	if err == nil {
		t.Fatal("Expected closing a closed stream to fail")
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 APIError, got %v", err)
	}
}

func TestVolumeReads(t *testing.T) {
	srv, dataset := newTestServer(t)
	cli := client.New(srv.URL)
	ctx := context.Background()

	info, err := cli.OpenPath(ctx, dataset, map[string]string{"subject": "01"})
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}

	first, err := cli.Volume(ctx, info.ID, 0)
	if err != nil {
		t.Fatalf("Volume(0) failed: %v", err)
	}
	if got := first.Entities()["subject"]; got != "01" {
		t.Errorf("Expected subject 01, got %s", got)
	}

	last, err := cli.Volume(ctx, info.ID, 2)
	if err != nil {
		t.Fatalf("Volume(2) failed: %v", err)
	}
	newest, err := cli.Volume(ctx, info.ID, -1)
	if err != nil {
		t.Fatalf("Volume(-1) failed: %v", err)
	}
	if !newest.Equal(last) {
		t.Error("Expected volume -1 to match volume 2")
	}
	if first.Equal(last) {
		t.Error("Expected first and last volumes to differ")
	}

	if _, err := cli.Volume(ctx, info.ID, 99); err == nil {
		t.Error("Expected out of bounds read to fail")
	} else {
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400 APIError, got %v", err)
		}
	}

	if _, err := cli.Volume(ctx, "no-such-stream", 0); err == nil {
		t.Error("Expected unknown stream read to fail")
	} else {
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404 APIError, got %v", err)
		}
	}
}

func TestAppend(t *testing.T) {
	srv, _ := newTestServer(t)
	cli := client.New(srv.URL)
	ctx := context.Background()

	dataset := t.TempDir()

	// Without makePath nothing is created for a fresh dataset.
	appended, err := cli.Append(ctx, dataset, newTestIncremental(t, 0), false)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if appended {
		t.Error("Expected append without makePath to be a no-op")
	}

	appended, err = cli.Append(ctx, dataset, newTestIncremental(t, 0), true)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !appended {
		t.Error("Expected first append to write")
	}

	appended, err = cli.Append(ctx, dataset, newTestIncremental(t, 1), true)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !appended {
		t.Error("Expected second append to write")
	}

	info, err := cli.OpenPath(ctx, dataset, map[string]string{"subject": "01"})
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if info.NumVolumes != 2 {
		t.Errorf("Expected 2 volumes after appends, got %d", info.NumVolumes)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	cli := client.New(srv.URL)

	if err := cli.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	dataset := t.TempDir()
	arch, err := archive.Open(dataset)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := arch.Append(newTestIncremental(t, 0), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	arch.Close()

	handler := api.NewHandler(api.NewRegistry(0), nil)
	router := mux.NewRouter()
	router.Use(auth.NewVerifier("secret", "").Middleware)
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ctx := context.Background()

	cli := client.New(srv.URL)
	err = cli.Health(ctx)
	if err == nil {
		t.Fatal("Expected request without API key to fail")
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 APIError, got %v", err)
	}

	cli.SetAPIKey("secret")
	if err := cli.Health(ctx); err != nil {
		t.Errorf("Health with API key failed: %v", err)
	}
	if _, err := cli.OpenPath(ctx, dataset, map[string]string{"subject": "01"}); err != nil {
		t.Errorf("OpenPath with API key failed: %v", err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	// The first two requests fail with a retryable status.
	var fails int32 = 2
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&fails, -1) >= 0 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "healthy"}`))
	}))
	t.Cleanup(flaky.Close)

	cli := client.New(flaky.URL)
	cli.SetRetryConfig(fastRetryConfig())

	if err := cli.Health(context.Background()); err != nil {
		t.Fatalf("Expected health to succeed after retries, got %v", err)
	}
	if atomic.LoadInt32(&fails) >= 0 {
		t.Error("Expected both injected failures to be consumed")
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "Stream not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	cli := client.New(srv.URL)
	cli.SetRetryConfig(fastRetryConfig())

	_, err := cli.StreamInfo(context.Background(), "missing")
	if err == nil {
		t.Fatal("Expected 404 to surface as an error")
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("Expected exactly 1 request for a 404, got %d", got)
	}
}
