package feed

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"poctracker/config"
)

// S3Source lists and streams batch files from an S3-compatible bucket.
// Object keys follow the "<type>.<unix_millis>.gz" convention; objects
// whose keys do not parse are skipped with a log line rather than failing
// the listing.
type S3Source struct {
	client   *minio.Client
	bucket   string
	fileType string
}

// NewS3Source connects to the object store described by the ingest config.
func NewS3Source(cfg config.IngestConfig) (*S3Source, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("feed: s3 client: %w", err)
	}
	return &S3Source{client: client, bucket: cfg.Bucket, fileType: cfg.FileType}, nil
}

// List returns the batch files of this source's type inside the window,
// oldest first.
func (s *S3Source) List(ctx context.Context, after, before time.Time) ([]FileInfo, error) {
	var files []FileInfo
	prefix := s.fileType + "."
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("feed: list %s/%s: %w", s.bucket, prefix, obj.Err)
		}
		if !strings.HasSuffix(obj.Key, ".gz") {
			continue
		}
		_, ts, err := ParseKey(obj.Key)
		if err != nil {
			log.Printf("Feed: skipping unparsable object key %q: %v", obj.Key, err)
			continue
		}
		if !InWindow(ts, after, before) {
			continue
		}
		files = append(files, FileInfo{Key: obj.Key, Timestamp: ts, Size: obj.Size})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Timestamp.Before(files[j].Timestamp) })
	return files, nil
}

// Stream opens one batch file for frame-by-frame reading.
func (s *S3Source) Stream(ctx context.Context, fi FileInfo) (Stream, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, fi.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("feed: open %s/%s: %w", s.bucket, fi.Key, err)
	}
	fr, err := NewFrameReader(obj)
	if err != nil {
		return nil, fmt.Errorf("feed: open %s/%s: %w", s.bucket, fi.Key, err)
	}
	return fr, nil
}
