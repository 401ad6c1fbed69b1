package memory

import "github.com/gobeaver/fileio"

func init() {
	fileio.RegisterDriver("memory", func(cfg *fileio.Config) (fileio.Backend, error) {
		return New(Config{Scheme: cfg.MemoryScheme}), nil
	})
}
