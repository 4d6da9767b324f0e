package embedding

import (
	"context"
	"time"
)

func (c *Client) SetSleep(f func(ctx context.Context, d time.Duration) error) {
	c.sleep = f
}
