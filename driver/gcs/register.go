package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/gobeaver/fileio"
)

func init() {
	fileio.RegisterDriver("gcs", func(cfg *fileio.Config) (fileio.Backend, error) {
		ctx := context.Background()

		// Without a credentials file the client uses GOOGLE_APPLICATION_CREDENTIALS
		// or the default credentials; STORAGE_EMULATOR_HOST points it at an emulator
		var opts []option.ClientOption
		if cfg.GCSCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}

		return New(client,
			WithPrefix(cfg.GCSPrefix),
			WithPollInterval(cfg.PollInterval()),
		), nil
	})
}
