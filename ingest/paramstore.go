package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by ParamStore.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretGetter fetches a named secret.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamStore reads SecureString parameters from AWS Systems Manager.
type ParamStore struct {
	api ssmAPI
}

// NewParamStore creates a ParamStore with the given SSM API implementation.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}
