// Package mirror replicates chunk files to an S3 compatible bucket.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"tick-downloader/internal/chunkstore"
	"tick-downloader/internal/config"
)

// ObjectAPI is the subset of the S3 client the mirror uses.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ ObjectAPI = (*s3.Client)(nil)

// Options locate the local chunk directory and its remote prefix.
type Options struct {
	Bucket string
	// Prefix is joined with exchange/market/SYMBOL to form the object keys.
	Prefix   string
	Exchange string
	Market   string
	Symbol   string
	Dir      string
	Timeout  time.Duration
}

// Stats counts what one sync did.
type Stats struct {
	Uploaded int
	Skipped  int
	Deleted  int
}

// Mirror uploads written chunks and deletes removed ones.
type Mirror struct {
	client ObjectAPI
	opts   Options
	logger zerolog.Logger
}

// NewS3Client builds an S3 client from the mirror configuration. Static keys
// are used when both are set, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg config.MirrorConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// New constructs a Mirror.
func New(client ObjectAPI, opts Options, logger zerolog.Logger) *Mirror {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Mirror{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "mirror").Str("bucket", opts.Bucket).Logger(),
	}
}

// Key returns the object key of a chunk file.
func (m *Mirror) Key(name string) string {
	return path.Join(strings.Trim(m.opts.Prefix, "/"), m.opts.Exchange, m.opts.Market, strings.ToUpper(m.opts.Symbol), name)
}

// Sync applies a run's chunk events to the bucket.
func (m *Mirror) Sync(ctx context.Context, events []chunkstore.Event) error {
	stats, err := m.Apply(ctx, events)
	m.logger.Info().
		Int("uploaded", stats.Uploaded).
		Int("skipped", stats.Skipped).
		Int("deleted", stats.Deleted).
		Msg("mirror sync finished")
	return err
}

// Apply replays events in order so only each chunk's final state is sent.
// Uploads whose remote object already has the local size are skipped.
func (m *Mirror) Apply(ctx context.Context, events []chunkstore.Event) (Stats, error) {
	var (
		order []string
		final = make(map[string]bool)
	)
	for _, ev := range events {
		present := ev.Kind == chunkstore.EventSaved || ev.Kind == chunkstore.EventReplaced
		if _, seen := final[ev.Name]; !seen {
			order = append(order, ev.Name)
		}
		final[ev.Name] = present
	}

	var (
		stats Stats
		errs  []error
	)
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !final[name] {
			if err := m.delete(ctx, name); err != nil {
				errs = append(errs, err)
				continue
			}
			stats.Deleted++
			continue
		}
		uploaded, err := m.upload(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if uploaded {
			stats.Uploaded++
		} else {
			stats.Skipped++
		}
	}
	return stats, errors.Join(errs...)
}

func (m *Mirror) upload(ctx context.Context, name string) (bool, error) {
	local := filepath.Join(m.opts.Dir, name)
	info, err := os.Stat(local)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat chunk %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	key := m.Key(name)
	head, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.opts.Bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		if head.ContentLength != nil && *head.ContentLength == info.Size() {
			return false, nil
		}
	case !isNotFound(err):
		return false, fmt.Errorf("head %s: %w", key, err)
	}

	f, err := os.Open(local)
	if err != nil {
		return false, fmt.Errorf("open chunk %s: %w", name, err)
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.opts.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("text/csv"),
	})
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", key, err)
	}
	m.logger.Debug().Str("key", key).Int64("bytes", info.Size()).Msg("uploaded chunk")
	return true, nil
}

func (m *Mirror) delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	key := m.Key(name)
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	m.logger.Debug().Str("key", key).Msg("deleted chunk")
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
