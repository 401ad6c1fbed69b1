package azure

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/gobeaver/fileio"
)

func init() {
	fileio.RegisterDriver("azure", func(cfg *fileio.Config) (fileio.Backend, error) {
		if cfg.AzureAccountName == "" || cfg.AzureAccountKey == "" {
			return nil, fmt.Errorf("azure account name and key are required")
		}

		// Build service URL
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureAccountName)
		if cfg.AzureEndpoint != "" {
			serviceURL = cfg.AzureEndpoint
		}

		// Create shared key credential
		cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure credential: %w", err)
		}

		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure client: %w", err)
		}

		return New(client,
			WithSharedKey(cred),
			WithPrefix(cfg.AzurePrefix),
			WithPollInterval(cfg.PollInterval()),
		), nil
	})
}
