package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	putObjectFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)

	lastInput *s3.PutObjectInput
	lastBody  []byte
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.lastInput = params
	if params.Body != nil {
		body, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		m.lastBody = body
	}
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func intPtr(n int) *int { return &n }

func TestS3Store_Persist_KeyLayout(t *testing.T) {
	mock := &mockS3Client{}
	store := &S3Store{client: mock, bucket: "test-bucket"}

	info := store.Persist(context.Background(), PersistRequest{
		JobID:        "abc-123",
		Data:         map[string]any{"x": 1},
		Status:       "succeeded",
		Prefix:       "anzu-results/",
		RouteSteps:   []string{"echo-step", "happy-end"},
		CurrentIndex: intPtr(1),
	})

	require.NotNil(t, mock.lastInput)
	assert.Equal(t, "test-bucket", aws.ToString(mock.lastInput.Bucket))
	assert.Equal(t, "application/json", aws.ToString(mock.lastInput.ContentType))

	// anzu-results/<YYYY-MM-DD>/<HH>/<last_step>/<job_id>.json
	keyPattern := regexp.MustCompile(`^anzu-results/\d{4}-\d{2}-\d{2}/\d{2}/echo-step/abc-123\.json$`)
	assert.Regexp(t, keyPattern, aws.ToString(mock.lastInput.Key))

	assert.Equal(t, "test-bucket", info["s3_bucket"])
	assert.Contains(t, info["s3_uri"], "s3://test-bucket/anzu-results/")
}

func TestS3Store_Persist_SucceededDocument(t *testing.T) {
	mock := &mockS3Client{}
	store := &S3Store{client: mock, bucket: "test-bucket"}

	store.Persist(context.Background(), PersistRequest{
		JobID:        "job-1",
		Data:         map[string]any{"answer": 42},
		Status:       "succeeded",
		Prefix:       "anzu-results/",
		RouteSteps:   []string{"a", "b", "happy-end"},
		CurrentIndex: intPtr(2),
	})

	var doc map[string]any
	require.NoError(t, json.Unmarshal(mock.lastBody, &doc))
	assert.Equal(t, "job-1", doc["job_id"])
	assert.Equal(t, "succeeded", doc["status"])
	assert.Equal(t, "b", doc["last_step"])
	assert.Equal(t, map[string]any{"answer": float64(42)}, doc["result"])
	assert.NotEmpty(t, doc["timestamp"])
	assert.NotContains(t, doc, "error")
	assert.Len(t, doc["route_steps"], 3)
}

func TestS3Store_Persist_FailedDocument(t *testing.T) {
	mock := &mockS3Client{}
	store := &S3Store{client: mock, bucket: "test-bucket"}

	store.Persist(context.Background(), PersistRequest{
		JobID:        "job-2",
		Data:         map[string]any{"input": "bad"},
		Status:       "failed",
		Prefix:       "anzu-errors/",
		RouteSteps:   []string{"a", "error-end"},
		CurrentIndex: intPtr(1),
		Error:        "processing_error: boom",
	})

	var doc map[string]any
	require.NoError(t, json.Unmarshal(mock.lastBody, &doc))
	assert.Equal(t, "failed", doc["status"])
	assert.Equal(t, "processing_error: boom", doc["error"])
	assert.Equal(t, map[string]any{"input": "bad"}, doc["payload"])
	assert.NotContains(t, doc, "result")
}

func TestS3Store_Persist_FailureReturnsErrorRecord(t *testing.T) {
	mock := &mockS3Client{
		putObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, errors.New("access denied")
		},
	}
	store := &S3Store{client: mock, bucket: "test-bucket"}

	info := store.Persist(context.Background(), PersistRequest{
		JobID:      "job-3",
		Status:     "succeeded",
		Prefix:     "anzu-results/",
		RouteSteps: []string{"a"},
	})

	// Storage failures never fail the handler; the location metadata is
	// replaced by an error record.
	assert.Contains(t, info["error"], "access denied")
	assert.NotContains(t, info, "s3_uri")
}

func TestLastStep(t *testing.T) {
	tests := []struct {
		name     string
		steps    []string
		current  *int
		expected string
	}{
		{
			name:     "cursor past the producing step",
			steps:    []string{"a", "b", "happy-end"},
			current:  intPtr(2),
			expected: "b",
		},
		{
			name:     "cursor at one",
			steps:    []string{"a", "happy-end"},
			current:  intPtr(1),
			expected: "a",
		},
		{
			name:     "cursor zero falls back to final step",
			steps:    []string{"a", "b"},
			current:  intPtr(0),
			expected: "b",
		},
		{
			name:     "missing cursor falls back to final step",
			steps:    []string{"a", "b"},
			current:  nil,
			expected: "b",
		},
		{
			name:     "cursor beyond route falls back to final step",
			steps:    []string{"a", "b"},
			current:  intPtr(9),
			expected: "b",
		},
		{
			name:     "no steps at all",
			steps:    nil,
			current:  nil,
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, lastStep(tt.steps, tt.current))
		})
	}
}
