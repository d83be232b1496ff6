package secretstore

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	"github.com/tinytelemetry/spillway/internal/awsconf"
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSConfig configures the Secrets Manager fetcher.
type AWSConfig struct {
	awsconf.Options
	UseSSL  bool
	JSONKey string // optional field to extract from a JSON secret string
}

// AWS fetches secrets from AWS Secrets Manager.
type AWS struct {
	client  secretsAPI
	jsonKey string
}

// NewAWS creates a Secrets Manager backed fetcher.
func NewAWS(ctx context.Context, cfg AWSConfig) (*AWS, error) {
	awsCfg, err := awsconf.Load(ctx, cfg.Options)
	if err != nil {
		return nil, err
	}
	endpoint := awsconf.NormalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &AWS{client: client, jsonKey: cfg.JSONKey}, nil
}

// FetchSecret returns the current value of the named secret.
func (a *AWS) FetchSecret(ctx context.Context, name string) (string, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", unavailable(name, describeAWSError(err))
	}

	raw := aws.ToString(out.SecretString)
	if raw == "" && len(out.SecretBinary) > 0 {
		raw = string(out.SecretBinary)
	}
	if strings.TrimSpace(raw) == "" {
		return "", unavailable(name, errors.New("secret value is empty"))
	}

	value, err := extractJSONKey(raw, a.jsonKey)
	if err != nil {
		return "", unavailable(name, err)
	}
	return value, nil
}

// describeAWSError reduces SDK errors to a short, value-free description.
func describeAWSError(err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return errors.New("secret not found")
	}
	var decrypt *types.DecryptionFailure
	if errors.As(err, &decrypt) {
		return errors.New("secret could not be decrypted")
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "AccessDeniedException" {
			return errors.New("access denied")
		}
		return errors.New(apiErr.ErrorCode() + ": " + apiErr.ErrorMessage())
	}
	return err
}
