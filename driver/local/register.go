package local

import "github.com/gobeaver/fileio"

func init() {
	fileio.RegisterDriver("local", func(cfg *fileio.Config) (fileio.Backend, error) {
		return New(Config{TrashDir: cfg.TrashDir}), nil
	})
}
