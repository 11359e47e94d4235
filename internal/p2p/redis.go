package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "tempolink"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// envelope wraps a datagram on the shared channel; Data is base64 in JSON.
type envelope struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

// Redis bridges peers that cannot see each other's multicast traffic.
// Broadcasts are published on one channel; each transport also listens on
// "<channel>.<id>" for datagrams addressed to it.
type Redis struct {
	client  *redis.Client
	sub     *redis.PubSub
	channel string
	id      string

	in        chan Datagram
	done      chan struct{}
	closeOnce sync.Once
}

func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	r := &Redis{
		client:  client,
		channel: cfg.Channel,
		id:      uuid.NewString(),
		in:      make(chan Datagram, inboxSize),
		done:    make(chan struct{}),
	}
	r.sub = client.Subscribe(ctx, r.channel, r.inbox(r.id))
	if _, err := r.sub.Receive(ctx); err != nil {
		_ = r.sub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	go r.readLoop()
	log.Infof("redis: bridged on %s as %s", r.channel, r.id)
	return r, nil
}

func (r *Redis) inbox(id string) string {
	return r.channel + "." + id
}

func (r *Redis) readLoop() {
	defer close(r.in)
	ch := r.sub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Debugf("redis: bad envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.From == r.id || env.From == "" {
				continue
			}
			deliver(r.in, Datagram{From: env.From, Payload: env.Data})
		}
	}
}

func (r *Redis) publish(ctx context.Context, channel string, b []byte) error {
	raw, err := json.Marshal(envelope{From: r.id, Data: b})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, raw).Err()
}

func (r *Redis) Broadcast(ctx context.Context, b []byte) error {
	return r.publish(ctx, r.channel, b)
}

func (r *Redis) SendTo(ctx context.Context, addr string, b []byte) error {
	return r.publish(ctx, r.inbox(addr), b)
}

func (r *Redis) Receive() <-chan Datagram { return r.in }

func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.sub.Close()
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
