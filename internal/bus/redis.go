package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scriba.dev/internal/obs"
)

// controlChannel returns the pub/sub channel for a meeting's commands.
func controlChannel(meetingID string) string {
	return fmt.Sprintf("meeting:%s:control", meetingID)
}

// Redis is a Bus over Redis pub/sub, one channel per meeting. Even
// with per-meeting channels the consumer re-checks meeting_id: a
// misrouted or hand-published message must never cross meetings.
type Redis struct {
	client *redis.Client
}

var _ Bus = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

// Close closes the Redis connection.
func (b *Redis) Close() error { return b.client.Close() }

func (b *Redis) Publish(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, controlChannel(cmd.MeetingID), payload).Err()
}

func (b *Redis) Subscribe(ctx context.Context, meetingID string) (<-chan Command, error) {
	sub := b.client.Subscribe(ctx, controlChannel(meetingID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Command, 8)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var cmd Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					obs.Log("warn", "dropping malformed control command", map[string]any{
						"channel": msg.Channel,
						"error":   err.Error(),
					})
					continue
				}
				if cmd.MeetingID != meetingID {
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
