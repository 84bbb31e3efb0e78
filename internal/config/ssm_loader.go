package config

import (
	"context"
	"fmt"

	"github.com/ComUnity/city-sentinel/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMParameterStoreClient defines an interface for AWS SSM client
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// GetParameter retrieves a parameter from SSM Parameter Store
func (r *SecretResolver) GetParameter(ctx context.Context, paramName string, decrypt bool) (string, error) {
	if r.ssm == nil {
		return "", fmt.Errorf("ssm: %w", ErrNoSecretBackend)
	}
	logger.Infof("[SecretResolver] Retrieving parameter: %s", paramName)

	result, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		logger.Errorf("[SecretResolver] Failed to get parameter %s: %v", paramName, err)
		return "", fmt.Errorf("failed to get parameter: %w", err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", paramName)
	}
	return *result.Parameter.Value, nil
}
