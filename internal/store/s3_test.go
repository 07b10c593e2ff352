package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 is an in-memory bucket honouring If-Match on PutObject.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	conflicts int // number of conditional puts to reject before accepting
	puts      int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
		ETag: aws.String(etagOf(data)),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	key := aws.ToString(in.Key)
	if in.IfMatch != nil {
		cur, ok := f.objects[key]
		if f.conflicts > 0 || !ok || etagOf(cur) != aws.ToString(in.IfMatch) {
			if f.conflicts > 0 {
				f.conflicts--
			}
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag mismatch"}
		}
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{ETag: aws.String(etagOf(data))}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store_Contract(t *testing.T) {
	testBackendContract(t, newS3StoreWithClient(newFakeS3(), "bucket", "relay"))
}

func TestS3Store_ObjectLayout(t *testing.T) {
	fake := newFakeS3()
	s := newS3StoreWithClient(fake, "bucket", "relay/")
	ctx := context.Background()

	if err := s.Put(ctx, models.UserRecord{SenderID: "12", Pseudonym: "ID1212121212"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := fake.objects["relay/12.json"]; !ok {
		t.Fatalf("expected object relay/12.json, have %v", fake.objects)
	}

	// objects that are not user documents are ignored by ListAll
	fake.objects["relay/README"] = []byte("hello")
	records, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 1 || records[0].SenderID != "12" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestS3Store_UpdateRetriesOnConflict(t *testing.T) {
	fake := newFakeS3()
	s := newS3StoreWithClient(fake, "bucket", "")
	ctx := context.Background()
	s.Put(ctx, models.UserRecord{SenderID: "7", Pseudonym: "ID7000000000"})

	fake.conflicts = 1
	if err := s.Update(ctx, "7", models.BanUpdate(true)); err != nil {
		t.Fatalf("Update should succeed after one conflict: %v", err)
	}
	rec, _ := s.Get(ctx, "7")
	if !rec.Banned {
		t.Error("expected record to be banned")
	}

	fake.conflicts = s3UpdateAttempts
	if err := s.Update(ctx, "7", models.BanUpdate(false)); err == nil {
		t.Error("expected Update to give up after repeated conflicts")
	}
}

func TestParseS3DSN(t *testing.T) {
	tests := []struct {
		dsn        string
		wantBucket string
		wantPrefix string
		wantErr    bool
	}{
		{"s3://relay-state/users", "relay-state", "users", false},
		{"s3://relay-state", "relay-state", "", false},
		{"s3:///nobucket", "", "", true},
		{"https://relay-state/users", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			bucket, prefix, err := parseS3DSN(tt.dsn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseS3DSN(%q) err = %v, wantErr %v", tt.dsn, err, tt.wantErr)
			}
			if bucket != tt.wantBucket || prefix != tt.wantPrefix {
				t.Errorf("parseS3DSN(%q) = %q, %q; want %q, %q", tt.dsn, bucket, prefix, tt.wantBucket, tt.wantPrefix)
			}
		})
	}
}
