package ingest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SourceFile is one local file to ingest. Name is the base filename used
// for chunk ids and agent classification.
type SourceFile struct {
	Name string
	Path string
}

// Source lists the files of one ingestion run.
type Source interface {
	Files(ctx context.Context) ([]SourceFile, error)
}

// IsPDF reports whether name has a .pdf extension, in any case.
func IsPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// DirSource reads PDFs from a local directory, without recursion.
type DirSource struct {
	Dir string
}

func (d DirSource) Files(context.Context) ([]SourceFile, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", d.Dir, err)
	}
	var files []SourceFile
	for _, e := range entries {
		if e.IsDir() || !IsPDF(e.Name()) {
			continue
		}
		files = append(files, SourceFile{Name: e.Name(), Path: filepath.Join(d.Dir, e.Name())})
	}
	// ReadDir already sorts by name.
	return files, nil
}

// s3API is the subset of *s3.Client used by S3Source.
type s3API interface {
	s3.ListObjectsV2APIClient
	manager.DownloadAPIClient
}

// S3Config locates a knowledge base in a bucket.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Source downloads every PDF under a bucket prefix into a temporary
// directory. Close removes the downloads.
type S3Source struct {
	client s3API
	bucket string
	prefix string
	dirs   []string
}

// NewS3Source builds a client from static keys when given, otherwise from
// the default AWS credential chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name not set")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Source(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func newS3Source(client s3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Source) Files(ctx context.Context) ([]SourceFile, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if IsPDF(key) && !strings.HasSuffix(key, "/") {
				keys = append(keys, key)
			}
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	dir, err := os.MkdirTemp("", "homepro-s3-")
	if err != nil {
		return nil, fmt.Errorf("creating download dir: %w", err)
	}
	s.dirs = append(s.dirs, dir)

	dl := manager.NewDownloader(s.client)
	files := make([]SourceFile, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		name := path.Base(key)
		// Keys in different "folders" may share a base name; the orchestrator
		// rejects the colliding chunk ids, so only the first is downloaded.
		if seen[name] {
			files = append(files, SourceFile{Name: name, Path: filepath.Join(dir, name)})
			continue
		}
		seen[name] = true

		local := filepath.Join(dir, name)
		if err := s.download(ctx, dl, key, local); err != nil {
			return nil, err
		}
		files = append(files, SourceFile{Name: name, Path: local})
	}
	return files, nil
}

func (s *S3Source) download(ctx context.Context, dl *manager.Downloader, key, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("creating %s: %w", local, err)
	}
	defer f.Close()

	if _, err := dl.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("downloading s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Close removes every directory Files created.
func (s *S3Source) Close() error {
	var firstErr error
	for _, d := range s.dirs {
		if err := os.RemoveAll(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dirs = nil
	return firstErr
}
