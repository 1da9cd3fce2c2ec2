// Package archive implements an opt-in cold-storage uploader for the
// superseded checkpoint/log artifacts internal/wal writes into a shard's
// retire directory (see WAL.SetRetireDir), on the same periodic-cycle/
// rotate shape as a Mongo-to-gzip drain, but reversed: it drains a local
// directory into S3 directly, since the WAL already produces the "old,
// safe to move" artifacts locally and there is no authoritative source
// collection to page through.
package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader is the subset of *s3.Client the Archiver needs, so tests can
// substitute a fake.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver periodically uploads files under dir to an S3 bucket/prefix,
// then deletes the local copy once the upload is confirmed.
type Archiver struct {
	s3       Uploader
	bucket   string
	prefix   string
	dir      string
	interval time.Duration
	minAge   time.Duration
}

// New builds an Archiver that uploads files under dir to bucket, under
// prefix, on the given interval. Only files whose mtime is older than
// minAge are considered, so an artifact internal/wal just finished writing
// sits for at least minAge before it's swept up.
func New(uploader Uploader, bucket, prefix, dir string, interval, minAge time.Duration) *Archiver {
	return &Archiver{s3: uploader, bucket: bucket, prefix: prefix, dir: dir, interval: interval, minAge: minAge}
}

// NewClient loads the default AWS config (env vars, shared config/credentials
// files, or an attached instance role — whatever the SDK finds) and region.
func NewClient(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Run starts the periodic upload loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	log.Printf("archive: watching %s -> s3://%s/%s every %v", a.dir, a.bucket, a.prefix, a.interval)

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	files, err := a.pending()
	if err != nil {
		log.Printf("archive: list %s: %v", a.dir, err)
		return
	}
	// Sorted by path name. Retired names embed a nanosecond timestamp, so
	// each artifact kind (checkpoint, log segment) is uploaded oldest first;
	// anything left local by a mid-cycle crash is retried next cycle.
	sort.Strings(files)

	for _, path := range files {
		if err := a.uploadAndRemove(ctx, path); err != nil {
			log.Printf("archive: %s: %v", path, err)
			continue
		}
		log.Printf("archive: uploaded and removed %s", path)
	}
}

func (a *Archiver) pending() ([]string, error) {
	cutoff := time.Now().Add(-a.minAge)
	var files []string
	err := filepath.Walk(a.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || info.ModTime().After(cutoff) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func (a *Archiver) uploadAndRemove(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	rel, err := filepath.Rel(a.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	key := filepath.ToSlash(filepath.Join(a.prefix, rel))

	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	if err := os.Remove(path); err != nil {
		log.Printf("archive: uploaded %s but failed to remove local copy: %v", path, err)
	}
	return nil
}
