package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMAPI is the subset of the Systems Manager client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads decrypted parameters from AWS Systems Manager Parameter Store.
type SSM struct {
	client SSMAPI
}

// NewSSM builds an SSM provider for region. Requests go through httpClient,
// which owns timeouts and retries; the SDK's own retryer is limited to a
// single attempt so the two do not multiply.
func NewSSM(ctx context.Context, region string, httpClient *http.Client) (*SSM, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SSM{client: ssm.NewFromConfig(cfg)}, nil
}

// NewSSMWithClient wraps an existing client.
func NewSSMWithClient(c SSMAPI) *SSM {
	return &SSM{client: c}
}

func (s *SSM) Fetch(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrMissing, name)
		}
		return "", fmt.Errorf("getting parameter %s: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, name)
	}
	return aws.ToString(out.Parameter.Value), nil
}
