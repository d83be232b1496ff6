// Package awsconf builds aws.Config values from spillway settings.
package awsconf

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

// Options selects region and credentials. Without static keys the default
// credential chain (env, shared config, instance role) is used.
type Options struct {
	Region       string
	Endpoint     string // optional override, e.g. a local S3 or Secrets Manager emulator
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// Load resolves an aws.Config for opts.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = DefaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, opts.SessionToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("awsconf: load config: %w", err)
	}
	return cfg, nil
}

// NormalizeEndpoint adds a scheme to a bare host:port endpoint.
func NormalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
