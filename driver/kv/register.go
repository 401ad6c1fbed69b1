package kv

import "github.com/gobeaver/fileio"

func init() {
	fileio.RegisterDriver("kv", func(cfg *fileio.Config) (fileio.Backend, error) {
		b, err := Open(Config{
			Path:         cfg.KVPath,
			InMemory:     cfg.KVInMemory,
			PollInterval: cfg.PollInterval(),
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}
