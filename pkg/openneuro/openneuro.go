// Package openneuro fetches public OpenNeuro datasets over the plain
// S3 HTTP endpoint. Listings use the anonymous ListObjectsV2 API and
// downloads mirror the bucket layout onto local disk, so a fetched
// accession can be opened directly as a BIDS dataset.
package openneuro

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/logging"
	"github.com/rtbids/rtbids/pkg/retry"
)

// DefaultEndpoint is the public OpenNeuro S3 bucket.
const DefaultEndpoint = "https://openneuro.org.s3.amazonaws.com"

const defaultWorkers = 4

var accessionPattern = regexp.MustCompile(`^ds[0-9]{6}$`)

// Object is a single entry from a bucket listing.
type Object struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
}

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []Object `xml:"Contents"`
}

// DownloadOptions control a single Download call.
type DownloadOptions struct {
	Include []string // key prefixes under the accession, e.g. "sub-01"
	Workers int      // overrides the client worker count when > 0
	Gunzip  bool     // decompress .nii.gz payloads while writing
}

// DownloadStats summarizes what a Download call did.
type DownloadStats struct {
	Downloaded int
	Skipped    int
	Bytes      int64
}

// Client fetches dataset listings and objects from the OpenNeuro bucket
type Client struct {
	endpoint   string
	httpClient *http.Client
	retryCfg   retry.Config
	workers    int
	log        *logging.Logger
}

// NewClient creates a client against the public OpenNeuro endpoint
func NewClient() *Client {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = retry.IsRetryable
	return &Client{
		endpoint: DefaultEndpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		retryCfg: cfg,
		workers:  defaultWorkers,
		log:      logging.NewLogger(logging.INFO, false),
	}
}

// SetEndpoint overrides the bucket endpoint, mainly for tests
func (c *Client) SetEndpoint(endpoint string) {
	c.endpoint = strings.TrimRight(endpoint, "/")
}

// SetWorkers sets the default download concurrency
func (c *Client) SetWorkers(n int) {
	if n > 0 {
		c.workers = n
	}
}

// SetLogger replaces the client logger
func (c *Client) SetLogger(log *logging.Logger) {
	if log != nil {
		c.log = log
	}
}

// SetRetryConfig replaces the retry policy for listings and downloads
func (c *Client) SetRetryConfig(cfg retry.Config) {
	c.retryCfg = cfg
}

// ListDataset returns every object stored under an accession number.
func (c *Client) ListDataset(ctx context.Context, accession string) ([]Object, error) {
	if err := validateAccession(accession); err != nil {
		return nil, err
	}
	return c.listPrefix(ctx, accession+"/")
}

// DatasetDescription fetches and decodes an accession's
// dataset_description.json without downloading the rest of the dataset.
func (c *Client) DatasetDescription(ctx context.Context, accession string) (map[string]interface{}, error) {
	if err := validateAccession(accession); err != nil {
		return nil, err
	}

	key := accession + "/dataset_description.json"
	var desc map[string]interface{}
	err := retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+key, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", key, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return &bids.NoMatchError{Msg: fmt.Sprintf("accession %s not found on OpenNeuro", accession)}
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("fetch failed with status %d: %s", resp.StatusCode, string(body))
		}

		desc = nil
		if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
			return fmt.Errorf("failed to decode dataset description: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// Download fetches an accession into dest, mirroring the bucket key
// layout. Objects already present with matching sizes are skipped, so
// repeated calls are incremental.
func (c *Client) Download(ctx context.Context, accession, dest string, opts DownloadOptions) (*DownloadStats, error) {
	objects, err := c.ListDataset(ctx, accession)
	if err != nil {
		return nil, err
	}
	objects = filterObjects(objects, accession, opts.Include)
	if len(objects) == 0 {
		return nil, &bids.NoMatchError{Msg: fmt.Sprintf("no objects found for accession %s", accession)}
	}

	workers := c.workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	if workers > len(objects) {
		workers = len(objects)
	}

	c.log.Info("downloading dataset", map[string]interface{}{
		"accession": accession,
		"objects":   len(objects),
		"workers":   workers,
		"dest":      dest,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan Object)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		stats    DownloadStats
		firstErr error
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range jobs {
				if ctx.Err() != nil {
					continue
				}
				written, skipped, err := c.downloadObject(ctx, obj, accession, dest, opts.Gunzip)
				mu.Lock()
				switch {
				case err != nil:
					if firstErr == nil {
						firstErr = err
						cancel()
					}
				case skipped:
					stats.Skipped++
				default:
					stats.Downloaded++
					stats.Bytes += written
				}
				mu.Unlock()
			}
		}()
	}

	for _, obj := range objects {
		jobs <- obj
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	c.log.Info("download complete", map[string]interface{}{
		"accession":  accession,
		"downloaded": stats.Downloaded,
		"skipped":    stats.Skipped,
		"bytes":      stats.Bytes,
	})
	return &stats, nil
}

func (c *Client) listPrefix(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	token := ""
	for {
		listURL := fmt.Sprintf("%s/?list-type=2&prefix=%s", c.endpoint, url.QueryEscape(prefix))
		if token != "" {
			listURL += "&continuation-token=" + url.QueryEscape(token)
		}

		var page listBucketResult
		err := retry.Do(ctx, c.retryCfg, func() error {
			page = listBucketResult{}
			return c.fetchPage(ctx, listURL, &page)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}

		objects = append(objects, page.Contents...)
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	return objects, nil
}

func (c *Client) fetchPage(ctx context.Context, listURL string, page *listBucketResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to list bucket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("list request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err := xml.NewDecoder(resp.Body).Decode(page); err != nil {
		return fmt.Errorf("failed to decode listing: %w", err)
	}
	return nil
}

// downloadObject fetches one object unless a previous run already did.
// The skipped return distinguishes the two outcomes for stats.
func (c *Client) downloadObject(ctx context.Context, obj Object, accession, dest string, gunzip bool) (int64, bool, error) {
	relKey := strings.TrimPrefix(obj.Key, accession+"/")
	if relKey == "" || strings.HasSuffix(relKey, "/") {
		return 0, true, nil
	}

	decompress := gunzip && strings.HasSuffix(relKey, ".nii.gz")
	target := filepath.Join(dest, filepath.FromSlash(relKey))
	if decompress {
		target = strings.TrimSuffix(target, ".gz")
	}

	// Decompressed files cannot be size-checked against the object, so
	// existence alone skips them.
	if fi, err := os.Stat(target); err == nil {
		if decompress || fi.Size() == obj.Size {
			return 0, true, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, false, fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}

	var written int64
	err := retry.Do(ctx, c.retryCfg, func() error {
		n, err := c.fetchObject(ctx, obj, target, decompress)
		written = n
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to download %s: %w", obj.Key, err)
	}
	return written, false, nil
}

func (c *Client) fetchObject(ctx context.Context, obj Object, target string, decompress bool) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+obj.Key, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var src io.Reader = resp.Body
	if decompress {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	tmp := target + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	written, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if !decompress && written != obj.Size {
		os.Remove(tmp)
		return 0, fmt.Errorf("short download for %s: got %d of %d bytes", obj.Key, written, obj.Size)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize %s: %w", target, err)
	}
	return written, nil
}

// filterObjects keeps objects under the include prefixes. Top-level
// dataset files (dataset_description.json, README, participants.tsv)
// always survive filtering so the result remains a valid dataset.
func filterObjects(objects []Object, accession string, include []string) []Object {
	if len(include) == 0 {
		return objects
	}
	prefixes := make([]string, 0, len(include))
	for _, inc := range include {
		prefixes = append(prefixes, accession+"/"+strings.TrimPrefix(inc, "/"))
	}
	var kept []Object
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, accession+"/")
		if !strings.Contains(rel, "/") {
			kept = append(kept, obj)
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(obj.Key, p) {
				kept = append(kept, obj)
				break
			}
		}
	}
	return kept
}

func validateAccession(accession string) error {
	if !accessionPattern.MatchString(accession) {
		return &bids.ValidationError{Msg: fmt.Sprintf("invalid accession number %q (expected dsNNNNNN)", accession)}
	}
	return nil
}
