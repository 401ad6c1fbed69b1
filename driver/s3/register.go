package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gobeaver/fileio"
)

func init() {
	fileio.RegisterDriver("s3", createBackend)
}

func createBackend(cfg *fileio.Config) (fileio.Backend, error) {
	client, err := createS3Client(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return New(client, WithPollInterval(cfg.PollInterval())), nil
}

// createS3Client creates an S3 client from config
func createS3Client(cfg *fileio.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.S3Region),
	)
	if err != nil {
		return nil, err
	}

	// Override with explicit credentials if provided
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		)
	}

	s3Options := func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3ForcePathStyle {
			o.UsePathStyle = true
		}
	}

	return s3.NewFromConfig(awsCfg, s3Options), nil
}
