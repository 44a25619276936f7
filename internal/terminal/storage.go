package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Client is the subset of the S3 API the store needs; narrowed for
// mocking in tests.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// StoreConfig carries the object-storage settings for terminal persistence.
// An empty Bucket disables persistence entirely.
type StoreConfig struct {
	Bucket    string
	Endpoint  string // non-empty selects MinIO-style path addressing
	AccessKey string
	SecretKey string
	Region    string
}

// S3Store persists terminal documents to S3 or MinIO.
type S3Store struct {
	client s3Client
	bucket string
}

// NewS3Store builds a store from config. With an endpoint set it targets
// that endpoint (MinIO) with path-style addressing; otherwise plain AWS S3.
// Static credentials are used when both access and secret key are set,
// otherwise the ambient credential chain.
func NewS3Store(ctx context.Context, cfg StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage bucket not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	slog.Info("object storage persistence enabled", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// PersistRequest describes one terminal document.
type PersistRequest struct {
	JobID        string
	Data         any
	Status       string // "succeeded" or "failed"
	Prefix       string
	RouteSteps   []string
	CurrentIndex *int
	Error        string // set for failed jobs
}

// terminalDocument is the JSON body written to object storage.
type terminalDocument struct {
	JobID      string   `json:"job_id"`
	RouteSteps []string `json:"route_steps"`
	LastStep   string   `json:"last_step"`
	Timestamp  string   `json:"timestamp"`
	Status     string   `json:"status"`
	Result     any      `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	Payload    any      `json:"payload,omitempty"`
}

// Persist writes the terminal document under
// <prefix><YYYY-MM-DD>/<HH>/<last_step>/<job_id>.json (UTC) and returns
// location metadata. Failures never propagate: the returned map carries an
// error record instead, and the terminal handler keeps reporting.
func (s *S3Store) Persist(ctx context.Context, req PersistRequest) map[string]string {
	now := time.Now().UTC()
	key := fmt.Sprintf("%s%s/%s/%s/%s.json",
		req.Prefix,
		now.Format("2006-01-02"),
		now.Format("15"),
		lastStep(req.RouteSteps, req.CurrentIndex),
		req.JobID)

	doc := terminalDocument{
		JobID:      req.JobID,
		RouteSteps: req.RouteSteps,
		LastStep:   lastStep(req.RouteSteps, req.CurrentIndex),
		Timestamp:  now.Format(time.RFC3339),
		Status:     req.Status,
	}
	if req.Status == statusSucceeded {
		doc.Result = req.Data
	} else {
		doc.Error = req.Error
		doc.Payload = req.Data
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		slog.Error("failed to marshal terminal document", "job_id", req.JobID, "error", err)
		return map[string]string{"error": err.Error()}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		slog.Error("failed to persist terminal document", "job_id", req.JobID, "key", key, "error", err)
		return map[string]string{"error": err.Error()}
	}

	uri := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	slog.Info("persisted terminal document", "job_id", req.JobID, "status", req.Status, "uri", uri)
	return map[string]string{
		"s3_bucket": s.bucket,
		"s3_key":    key,
		"s3_uri":    uri,
	}
}

// lastStep resolves the name of the step that produced the terminal
// payload. When the cursor is unusable the fallback is the final step, then
// "unknown": the terminal must be able to persist even malformed wrecks.
func lastStep(routeSteps []string, currentIndex *int) string {
	if len(routeSteps) > 0 && currentIndex != nil && *currentIndex > 0 && *currentIndex <= len(routeSteps) {
		return routeSteps[*currentIndex-1]
	}
	if len(routeSteps) > 0 {
		return routeSteps[len(routeSteps)-1]
	}
	return "unknown"
}
