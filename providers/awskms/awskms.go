// Package awskms implements the key authority on AWS Key Management
// Service. KEKs live in AWS KMS and never leave it; this provider only
// asks KMS to wrap and unwrap DEKs.
package awskms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/hengadev/keylock"
)

// kmsClient is the subset of the AWS KMS API used here; tests substitute
// their own implementation.
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Service implements keylock.KeyManagementService using AWS KMS.
type Service struct {
	client kmsClient
	region string
}

var _ keylock.KeyManagementService = (*Service)(nil)

// Config holds AWS KMS provider configuration.
type Config struct {
	// Region is the AWS region, e.g. "us-east-1". When empty the default
	// AWS configuration chain decides.
	Region string

	// AWSConfig overrides the configuration chain entirely when set.
	AWSConfig *aws.Config
}

// New creates an AWS KMS authority.
func New(ctx context.Context, cfg Config) (*Service, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %v", keylock.ErrKeyUnavailable, err)
		}
	}

	return &Service{
		client: kms.NewFromConfig(awsConfig),
		region: awsConfig.Region,
	}, nil
}

// aliasName normalizes a bare key name to the "alias/" form KMS expects.
// Fully qualified aliases and ARNs pass through untouched.
func aliasName(alias string) string {
	if strings.HasPrefix(alias, "alias/") || strings.HasPrefix(alias, "arn:") {
		return alias
	}
	return "alias/" + alias
}

// GetKeyID resolves an alias ("alias/name" or bare name) to the key id it
// points at. A missing alias is reported as ErrKeyNotFound so callers can
// distinguish "create it" from "KMS is unreachable".
func (s *Service) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", keylock.ErrInvalidConfiguration)
	}
	name := aliasName(alias)

	out, err := s.client.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(name),
	})
	if err != nil {
		var notFound *types.NotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: no KMS key under alias %s", keylock.ErrKeyNotFound, name)
		}
		return "", fmt.Errorf("%w: failed to describe KMS key %s: %v", keylock.ErrKeyUnavailable, name, err)
	}
	if out.KeyMetadata == nil || out.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned for alias %s", keylock.ErrKeyUnavailable, name)
	}
	return *out.KeyMetadata.KeyId, nil
}

// CreateKey creates a symmetric KMS key suitable for wrapping DEKs and
// binds the given alias to it, so the next GetKeyID for the same alias
// resolves to this key instead of minting another one.
func (s *Service) CreateKey(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", keylock.ErrInvalidConfiguration)
	}
	out, err := s.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("keylock key-encryption key"),
		KeySpec:     types.KeySpecSymmetricDefault,
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create KMS key: %v", keylock.ErrKeyUnavailable, err)
	}
	if out.KeyMetadata == nil || out.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned from CreateKey", keylock.ErrKeyUnavailable)
	}
	keyID := *out.KeyMetadata.KeyId

	if _, err := s.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(aliasName(alias)),
		TargetKeyId: aws.String(keyID),
	}); err != nil {
		return "", fmt.Errorf("%w: failed to bind alias %s to key %s: %v",
			keylock.ErrKeyUnavailable, aliasName(alias), keyID, err)
	}
	return keyID, nil
}

// EncryptDEK wraps a DEK under the KEK identified by kekID.
func (s *Service) EncryptDEK(ctx context.Context, kekID string, plaintext []byte) ([]byte, error) {
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(kekID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS encrypt failed: %v", keylock.ErrKeyUnavailable, err)
	}
	return out.CiphertextBlob, nil
}

// DecryptDEK unwraps a DEK. An InvalidCiphertextException means the
// wrapped DEK was tampered with and is reported as an authentication
// failure, not an availability problem.
func (s *Service) DecryptDEK(ctx context.Context, kekID string, ciphertext []byte) ([]byte, error) {
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(kekID),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		var invalid *types.InvalidCiphertextException
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: wrapped DEK failed KMS verification", keylock.ErrAuthenticationFailed)
		}
		return nil, fmt.Errorf("%w: KMS decrypt failed: %v", keylock.ErrKeyUnavailable, err)
	}
	return out.Plaintext, nil
}
