// Package aws manages a small set of AWS resources: SSM parameters and S3
// buckets. Deletes swallow not-found errors so reconciliation of an already
// vanished resource succeeds.
package aws

import (
	"context"
	"errors"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"

	"github.com/alloy-run/alloy"
)

const (
	TypeSSMParameter = "aws::SSMParameter"
	TypeS3Bucket     = "aws::S3Bucket"
)

// Options configures the AWS provider.
type Options struct {
	Region  string
	Profile string
}

type Provider struct {
	region    string
	ssmClient *ssm.Client
	s3Client  *s3.Client
}

func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	var cfgOpts []func(*config.LoadOptions) error
	cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	if opts.Profile != "" {
		cfgOpts = append(cfgOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &Provider{
		region:    opts.Region,
		ssmClient: ssm.NewFromConfig(cfg),
		s3Client:  s3.NewFromConfig(cfg),
	}, nil
}

// SSMParameter declares a String parameter in SSM Parameter Store.
func (p *Provider) SSMParameter(id string, name, value any) *alloy.Resource {
	return alloy.NewResource(TypeSSMParameter, id, p, name, value)
}

// S3Bucket declares an S3 bucket.
func (p *Provider) S3Bucket(id string, name any) *alloy.Resource {
	return alloy.NewResource(TypeS3Bucket, id, p, name)
}

func (p *Provider) Update(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	switch req.Type {
	case TypeSSMParameter:
		return p.updateParameter(ctx, req)
	case TypeS3Bucket:
		return p.updateBucket(ctx, req)
	default:
		return nil, fmt.Errorf("aws: unknown resource type %q", req.Type)
	}
}

func (p *Provider) updateParameter(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		name := priorField(req, "name")
		if name == "" {
			return nil, nil
		}
		_, err := p.ssmClient.DeleteParameter(ctx, &ssm.DeleteParameterInput{
			Name: awssdk.String(name),
		})
		if err != nil {
			var notFound *ssmtypes.ParameterNotFound
			if errors.As(err, &notFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to delete SSM parameter %s: %w", name, err)
		}
		return nil, nil
	}

	name, err := stringInput(req, 0, "name")
	if err != nil {
		return nil, err
	}
	value, err := stringInput(req, 1, "value")
	if err != nil {
		return nil, err
	}

	resp, err := p.ssmClient.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      awssdk.String(name),
		Value:     awssdk.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: awssdk.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put SSM parameter %s: %w", name, err)
	}

	return map[string]any{
		"name":    name,
		"version": resp.Version,
	}, nil
}

func (p *Provider) updateBucket(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		name := priorField(req, "name")
		if name == "" {
			return nil, nil
		}
		_, err := p.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
			Bucket: awssdk.String(name),
		})
		if err != nil && !isAPIError(err, "NoSuchBucket") {
			return nil, fmt.Errorf("failed to delete bucket %s: %w", name, err)
		}
		return nil, nil
	}

	name, err := stringInput(req, 0, "name")
	if err != nil {
		return nil, err
	}

	input := &s3.CreateBucketInput{Bucket: awssdk.String(name)}
	if p.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(p.region),
		}
	}

	_, err = p.s3Client.CreateBucket(ctx, input)
	if err != nil {
		// Re-creating a bucket we already own is the idempotent no-op case.
		var owned *s3types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}

	return map[string]any{
		"name":   name,
		"arn":    "arn:aws:s3:::" + name,
		"region": p.region,
	}, nil
}

// isAPIError reports whether err is an AWS API error with the given code.
func isAPIError(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

func priorField(req *alloy.UpdateRequest, key string) string {
	out, ok := req.PriorOutput.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := out[key].(string)
	return s
}

func stringInput(req *alloy.UpdateRequest, i int, name string) (string, error) {
	if i >= len(req.Inputs) {
		return "", fmt.Errorf("aws: %s missing %s input", req.FQN, name)
	}
	s, ok := req.Inputs[i].(string)
	if !ok {
		return "", fmt.Errorf("aws: %s input of %s must be a string, got %T", name, req.FQN, req.Inputs[i])
	}
	return s, nil
}
