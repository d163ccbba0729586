package mirror

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tick-downloader/internal/chunkstore"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	deletes []string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(body)))}, nil
}

func (b *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := aws.ToString(in.Key)
	b.objects[key] = body
	b.puts = append(b.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := aws.ToString(in.Key)
	delete(b.objects, key)
	b.deletes = append(b.deletes, key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestApplyUploadsSkipsAndDeletes(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("200000_299999_1_2.csv", "repaired")
	write("300000_300010_3_4.csv", "tail")

	bucket := newFakeBucket()
	m := New(bucket, Options{Bucket: "ticks", Prefix: "/raw/", Exchange: "binance", Market: "um", Symbol: "btcusdt", Dir: dir}, zerolog.Nop())
	assert.Equal(t, "raw/binance/um/BTCUSDT/300000_300010_3_4.csv", m.Key("300000_300010_3_4.csv"))

	// already mirrored with the same size
	bucket.objects[m.Key("300000_300010_3_4.csv")] = []byte("tail")
	bucket.objects[m.Key("250000_299999_5_6.csv")] = []byte("old")

	events := []chunkstore.Event{
		{Kind: chunkstore.EventSaved, Name: "200000_299999_1_2.csv", Previous: "250000_299999_5_6.csv"},
		{Kind: chunkstore.EventRemoved, Name: "250000_299999_5_6.csv"},
		{Kind: chunkstore.EventReplaced, Name: "300000_300010_3_4.csv"},
		{Kind: chunkstore.EventSaved, Name: "400000_400001_7_8.csv"},
		{Kind: chunkstore.EventFragment, Name: "400000_400001_7_8.csv"},
	}

	stats, err := m.Apply(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, Stats{Uploaded: 1, Skipped: 1, Deleted: 2}, stats)
	assert.Equal(t, []string{"raw/binance/um/BTCUSDT/200000_299999_1_2.csv"}, bucket.puts)
	assert.Equal(t, []byte("repaired"), bucket.objects[m.Key("200000_299999_1_2.csv")])
	_, stale := bucket.objects[m.Key("250000_299999_5_6.csv")]
	assert.False(t, stale)
}

func TestApplyReuploadsOnSizeChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "500000_500100_1_2.csv"), []byte("longer body"), 0o644))

	bucket := newFakeBucket()
	m := New(bucket, Options{Bucket: "ticks", Exchange: "binance", Market: "um", Symbol: "BTCUSDT", Dir: dir}, zerolog.Nop())
	bucket.objects[m.Key("500000_500100_1_2.csv")] = []byte("short")

	require.NoError(t, m.Sync(context.Background(), []chunkstore.Event{{Kind: chunkstore.EventReplaced, Name: "500000_500100_1_2.csv"}}))
	assert.Equal(t, []byte("longer body"), bucket.objects[m.Key("500000_500100_1_2.csv")])
}
