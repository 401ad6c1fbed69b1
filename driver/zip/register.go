package zip

import "github.com/gobeaver/fileio"

func init() {
	fileio.RegisterDriver("zip", func(cfg *fileio.Config) (fileio.Backend, error) {
		return New(WithPollInterval(cfg.PollInterval())), nil
	})
}
