package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObjectClient struct {
	objects map[string]string
	err     error

	gotKeys []string
}

func (f *fakeObjectClient) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.gotKeys = append(f.gotKeys, *params.Key)
	body, ok := f.objects[*params.Key]
	if !ok {
		return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeObjectClient) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.err != nil {
		return nil, f.err
	}
	var contents []s3types.Object
	for key := range f.objects {
		if strings.HasPrefix(key, *params.Prefix) {
			k := key
			contents = append(contents, s3types.Object{Key: &k})
		}
	}
	truncated := false
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: &truncated}, nil
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string                 { return e.code + ": " + e.msg }
func (e fakeAPIError) ErrorCode() string             { return e.code }
func (e fakeAPIError) ErrorMessage() string          { return e.msg }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestS3OpenPrefixesKeys(t *testing.T) {
	fake := &fakeObjectClient{objects: map[string]string{
		"datasets/bank/query.csv": "task_index,instruction,scoring_points\n",
	}}
	src, err := NewS3WithClient(S3Config{Bucket: "incidents", Prefix: "datasets/bank"}, fake)
	if err != nil {
		t.Fatalf("NewS3WithClient: %v", err)
	}

	rc, err := src.Open(context.Background(), "query.csv")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !strings.HasPrefix(string(data), "task_index") {
		t.Fatalf("content = %q", data)
	}
	if len(fake.gotKeys) != 1 || fake.gotKeys[0] != "datasets/bank/query.csv" {
		t.Fatalf("requested keys = %v", fake.gotKeys)
	}
}

func TestS3OpenMissingMapsToNotExist(t *testing.T) {
	src, err := NewS3WithClient(S3Config{Bucket: "incidents"}, &fakeObjectClient{objects: map[string]string{}})
	if err != nil {
		t.Fatalf("NewS3WithClient: %v", err)
	}
	_, err = src.Open(context.Background(), "absent.csv")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

func TestS3ListStripsPrefix(t *testing.T) {
	fake := &fakeObjectClient{objects: map[string]string{
		"datasets/bank/telemetry/2021_03_05/log_service.csv": "",
		"datasets/bank/telemetry/2021_03_05/metric_app.csv":  "",
		"datasets/bank/query.csv":                            "",
	}}
	src, err := NewS3WithClient(S3Config{Bucket: "incidents", Prefix: "datasets/bank"}, fake)
	if err != nil {
		t.Fatalf("NewS3WithClient: %v", err)
	}

	names, err := src.List(context.Background(), "telemetry")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{
		"telemetry/2021_03_05/log_service.csv",
		"telemetry/2021_03_05/metric_app.csv",
	}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestS3RequiresBucket(t *testing.T) {
	if _, err := NewS3WithClient(S3Config{}, &fakeObjectClient{}); err == nil {
		t.Fatalf("missing bucket should fail")
	}
}

func TestS3TransportErrorWrapped(t *testing.T) {
	src, err := NewS3WithClient(S3Config{Bucket: "incidents"}, &fakeObjectClient{err: errors.New("conn reset")})
	if err != nil {
		t.Fatalf("NewS3WithClient: %v", err)
	}
	_, err = src.Open(context.Background(), "query.csv")
	if err == nil || errors.Is(err, ErrNotExist) {
		t.Fatalf("transport error mapped wrongly: %v", err)
	}
}
