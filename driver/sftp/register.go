package sftp

import (
	"fmt"
	"os"

	"github.com/gobeaver/fileio"
)

func init() {
	fileio.RegisterDriver("sftp", func(cfg *fileio.Config) (fileio.Backend, error) {
		if cfg.SFTPHost == "" {
			return nil, fmt.Errorf("SFTP host is required")
		}

		sftpConfig := Config{
			Host:       cfg.SFTPHost,
			Port:       cfg.SFTPPort,
			Username:   cfg.SFTPUsername,
			Password:   cfg.SFTPPassword,
			KnownHosts: cfg.SFTPKnownHosts,
		}

		// Load private key if specified
		if cfg.SFTPPrivateKey != "" {
			keyData, err := os.ReadFile(cfg.SFTPPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			sftpConfig.PrivateKey = keyData
		}

		b, err := Dial(sftpConfig, WithPollInterval(cfg.PollInterval()))
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}
