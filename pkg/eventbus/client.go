package eventbus

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// newClient creates a client for url. The client dials lazily; no command is
// sent until first use.
func newClient(url, password string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	return redis.NewClient(opt), nil
}

// isBusyGroup reports the broker's "consumer group already exists" error.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// isNoGroup reports the broker's "no such key or consumer group" error.
func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
