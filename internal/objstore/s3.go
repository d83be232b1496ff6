// Package objstore writes delivered segments to S3-compatible object storage.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tinytelemetry/spillway/internal/awsconf"
	"github.com/tinytelemetry/spillway/internal/model"
	"github.com/tinytelemetry/spillway/internal/tiering"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, params *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
}

// S3Config holds bucket location and credentials.
type S3Config struct {
	awsconf.Options
	BucketURL string // s3://bucket/prefix, prefix optional
	UseSSL    bool
	PathStyle bool // required by most S3 emulators
}

// S3 puts objects into one bucket. SDK-level retries are disabled; retryable
// failures are returned as model.TransientError so the delivery sink owns the
// retry budget.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 constructs an S3 store from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	bucket, prefix, err := ParseBucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconf.Load(ctx, cfg.Options)
	if err != nil {
		return nil, err
	}
	endpoint := awsconf.NormalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		o.UsePathStyle = cfg.PathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

// Bucket returns the target bucket name.
func (s *S3) Bucket() string { return s.bucket }

// Prefix returns the key prefix parsed from the bucket URL.
func (s *S3) Prefix() string { return s.prefix }

// PutObject writes obj in a single request.
func (s *S3) PutObject(ctx context.Context, obj model.Object) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		in.ContentEncoding = aws.String(obj.ContentEncoding)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return classify(ctx, fmt.Errorf("s3: put s3://%s/%s: %w", s.bucket, obj.Key, err))
	}
	return nil
}

// ApplyTierPolicy installs a lifecycle rule that transitions objects under
// the channel's key prefix according to policy. It replaces the bucket's
// existing lifecycle configuration.
func (s *S3) ApplyTierPolicy(ctx context.Context, channel string, policy tiering.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	rule := LifecycleRule(s.prefix, channel, policy)
	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{rule},
		},
	})
	if err != nil {
		return fmt.Errorf("s3: put lifecycle configuration on %s: %w", s.bucket, err)
	}
	return nil
}

// LifecycleRule translates policy into an S3 lifecycle rule scoped to
// <prefix>/<channel>/.
func LifecycleRule(prefix, channel string, policy tiering.Policy) types.LifecycleRule {
	scope := path.Join(prefix, channel) + "/"
	transitions := make([]types.Transition, 0, len(policy.Transitions))
	for _, t := range policy.Transitions {
		transitions = append(transitions, types.Transition{
			Days:         aws.Int32(int32(t.AfterDays)),
			StorageClass: types.TransitionStorageClass(t.Class),
		})
	}
	return types.LifecycleRule{
		ID:          aws.String("spillway-" + channel + "-tiering"),
		Status:      types.ExpirationStatusEnabled,
		Filter:      &types.LifecycleRuleFilter{Prefix: aws.String(scope)},
		Transitions: transitions,
	}
}

// classify wraps retryable SDK failures with model.Transient. Caller
// cancellation is never retryable.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if retry.IsErrorRetryables(retry.DefaultRetryables).IsErrorRetryable(err) == aws.TrueTernary ||
		retry.IsErrorThrottles(retry.DefaultThrottles).IsErrorThrottle(err) == aws.TrueTernary {
		return model.Transient(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
		return model.Transient(err)
	}
	return err
}

// ParseBucketURL splits s3://bucket/prefix into bucket and prefix.
func ParseBucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name")
	}

	prefix = strings.Trim(strings.TrimSpace(u.Path), "/")
	return u.Host, prefix, nil
}
