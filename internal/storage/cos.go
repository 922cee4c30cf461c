// Package storage fetches analysis inputs from Tencent Cloud Object Storage
// and publishes results back to it.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/tencentyun/cos-go-sdk-v5"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
)

const listPageSize = 1000

// Config holds the bucket credentials and transfer settings.
type Config struct {
	Bucket    string
	Region    string
	SecretID  string
	SecretKey string
	Token     string

	// BucketURL overrides the endpoint derived from Bucket and Region.
	BucketURL string

	PublishResults      bool
	DownloadConcurrency int
}

// FileEntry is an object directly under a listed prefix.
type FileEntry struct {
	Name         string `json:"name"`
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	SizeHuman    string `json:"size_human"`
	LastModified string `json:"last_modified"`
	Type         string `json:"type"`
}

// DirectoryEntry is a common prefix directly under a listed prefix.
type DirectoryEntry struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Type string `json:"type"`
}

// DirectoryListing is one level of the bucket tree.
type DirectoryListing struct {
	Path             string           `json:"path"`
	Files            []FileEntry      `json:"files"`
	Directories      []DirectoryEntry `json:"directories"`
	TotalFiles       int              `json:"total_files"`
	TotalDirectories int              `json:"total_directories"`
}

// COSStorage talks to a single COS bucket. A zero-bucket configuration
// yields a storage whose remote operations report ErrStorageNotConfigured.
type COSStorage struct {
	client      *cos.Client
	publish     bool
	concurrency int
	logger      zerolog.Logger
}

// NewCOSStorage creates a storage client for cfg.
func NewCOSStorage(cfg Config, logger zerolog.Logger) (*COSStorage, error) {
	s := &COSStorage{
		publish:     cfg.PublishResults,
		concurrency: cfg.DownloadConcurrency,
		logger:      logger.With().Str("component", "storage").Logger(),
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}

	if cfg.Bucket == "" && cfg.BucketURL == "" {
		s.logger.Warn().Msg("no bucket configured, remote storage disabled")
		return s, nil
	}

	var bucketURL *url.URL
	var err error
	if cfg.BucketURL != "" {
		bucketURL, err = url.Parse(cfg.BucketURL)
	} else {
		bucketURL, err = cos.NewBucketURL(cfg.Bucket, cfg.Region, true)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid bucket url: %w", err)
	}

	s.client = cos.NewClient(&cos.BaseURL{BucketURL: bucketURL}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:     cfg.SecretID,
			SecretKey:    cfg.SecretKey,
			SessionToken: cfg.Token,
		},
	})
	return s, nil
}

// Configured reports whether a bucket is set up.
func (s *COSStorage) Configured() bool {
	return s.client != nil
}

// FetchBatch downloads every object under prefix whose extension is in exts
// into destDir, keeping the key layout below prefix. Objects already present
// locally are not downloaded again. onProgress receives (done, total) after
// each object, with done strictly increasing. Individual download failures
// are logged and the object is left out of the result.
//
// The result maps each lower-cased extension to the local paths, sorted.
func (s *COSStorage) FetchBatch(
	ctx context.Context,
	prefix, destDir string,
	exts []string,
	onProgress func(done, total int),
) (map[string][]string, error) {
	if !s.Configured() {
		return nil, apperrors.ErrStorageNotConfigured
	}

	prefix = dirPrefix(prefix)
	keys, err := s.listKeys(ctx, prefix, exts)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]string)
	if len(keys) == 0 {
		s.logger.Warn().Str("prefix", prefix).Msg("no matching objects")
		return result, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	var (
		mu   sync.Mutex
		done int
	)
	total := len(keys)
	record := func(ext, localPath string, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			result[ext] = append(result[ext], localPath)
		}
		done++
		if onProgress != nil {
			onProgress(done, total)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, key := range keys {
		key := key
		rel := strings.TrimPrefix(key, prefix)
		localPath := filepath.Join(destDir, filepath.FromSlash(rel))
		ext := strings.ToLower(path.Ext(key))

		g.Go(func() error {
			if _, err := os.Stat(localPath); err == nil {
				s.logger.Debug().Str("path", localPath).Msg("already cached, skipping download")
				record(ext, localPath, true)
				return nil
			}

			err := s.download(gctx, key, localPath)
			if err != nil {
				s.logger.Error().Err(err).Str("key", key).Msg("download failed")
			}
			record(ext, localPath, err == nil)
			return nil
		})
	}
	_ = g.Wait()

	for ext := range result {
		sort.Strings(result[ext])
	}

	s.logger.Info().
		Str("prefix", prefix).
		Int("total", total).
		Int("fetched", countPaths(result)).
		Msg("batch fetched")
	return result, nil
}

func (s *COSStorage) download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := localPath + ".part"
	if _, err := s.client.Object.GetToFile(ctx, key, tmpPath, nil); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

// listKeys returns every key under prefix with a matching extension.
func (s *COSStorage) listKeys(ctx context.Context, prefix string, exts []string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	var keys []string
	marker := ""
	for {
		res, _, err := s.client.Bucket.Get(ctx, &cos.BucketGetOptions{
			Prefix:  prefix,
			Marker:  marker,
			MaxKeys: listPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}

		for _, obj := range res.Contents {
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			if want[strings.ToLower(path.Ext(obj.Key))] {
				keys = append(keys, obj.Key)
			}
		}

		if !res.IsTruncated {
			break
		}
		marker = nextMarker(res)
		if marker == "" {
			break
		}
	}
	return keys, nil
}

// ListDirectory lists the files and sub-directories directly under prefix.
func (s *COSStorage) ListDirectory(ctx context.Context, prefix string) (*DirectoryListing, error) {
	if !s.Configured() {
		return nil, apperrors.ErrStorageNotConfigured
	}

	prefix = dirPrefix(prefix)
	listing := &DirectoryListing{
		Path:        strings.TrimSuffix(prefix, "/"),
		Files:       []FileEntry{},
		Directories: []DirectoryEntry{},
	}
	if listing.Path == "" {
		listing.Path = "/"
	}

	marker := ""
	for {
		res, _, err := s.client.Bucket.Get(ctx, &cos.BucketGetOptions{
			Prefix:    prefix,
			Delimiter: "/",
			Marker:    marker,
			MaxKeys:   listPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", listing.Path, err)
		}

		for _, obj := range res.Contents {
			name := strings.TrimPrefix(obj.Key, prefix)
			if name == "" || (strings.HasSuffix(obj.Key, "/") && obj.Size == 0) {
				continue
			}
			listing.Files = append(listing.Files, FileEntry{
				Name:         name,
				Key:          obj.Key,
				Size:         obj.Size,
				SizeHuman:    humanize.IBytes(uint64(obj.Size)),
				LastModified: obj.LastModified,
				Type:         "file",
			})
		}
		for _, p := range res.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(p, prefix), "/")
			if name == "" {
				continue
			}
			listing.Directories = append(listing.Directories, DirectoryEntry{
				Name: name,
				Key:  p,
				Type: "directory",
			})
		}

		if !res.IsTruncated {
			break
		}
		marker = nextMarker(res)
		if marker == "" {
			break
		}
	}

	listing.TotalFiles = len(listing.Files)
	listing.TotalDirectories = len(listing.Directories)
	return listing, nil
}

// Publish uploads localPath to remoteKey when result publishing is enabled.
// It reports whether the object was uploaded; failures are logged only.
func (s *COSStorage) Publish(ctx context.Context, localPath, remoteKey string) bool {
	if !s.publish || !s.Configured() {
		return false
	}

	if _, err := s.client.Object.PutFromFile(ctx, remoteKey, localPath, nil); err != nil {
		s.logger.Error().Err(err).Str("key", remoteKey).Msg("publish failed")
		return false
	}
	s.logger.Debug().Str("key", remoteKey).Msg("published")
	return true
}

// dirPrefix normalizes a user-supplied path to a key prefix ending in "/",
// or "" for the bucket root.
func dirPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func nextMarker(res *cos.BucketGetResult) string {
	if res.NextMarker != "" {
		return res.NextMarker
	}
	if n := len(res.Contents); n > 0 {
		return res.Contents[n-1].Key
	}
	return ""
}

func countPaths(m map[string][]string) int {
	n := 0
	for _, paths := range m {
		n += len(paths)
	}
	return n
}
