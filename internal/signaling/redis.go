package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"teleconsult/pkg/utils"
)

// RedisOptions configures the stream-backed broker.
type RedisOptions struct {
	// StreamTTL bounds how long an idle call topic and its seats survive.
	StreamTTL time.Duration
	MaxPeers  int
	// Block is the XREAD block window; keep it under the client's read timeout.
	Block  time.Duration
	MaxLen int64
	Logger *slog.Logger
}

// RedisBroker keeps one Redis stream per call (signal:<channel>). Each
// subscriber reads the stream from the start, so a late joiner still receives
// the offer. Seats are capped per channel with the shared seat scripts.
type RedisBroker struct {
	rdb  redis.UniversalClient
	opts RedisOptions
}

func NewRedisBroker(rdb redis.UniversalClient, opts RedisOptions) *RedisBroker {
	if opts.StreamTTL <= 0 {
		opts.StreamTTL = 2 * time.Hour
	}
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 2
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisBroker{rdb: rdb, opts: opts}
}

func streamKey(name string) string { return "signal:" + name }
func seatKey(name string) string   { return "signal:" + name + ":seats" }

const messageField = "msg"

func (b *RedisBroker) Subscribe(ctx context.Context, name, participantID string) (Channel, error) {
	if name == "" || participantID == "" {
		return nil, ErrMalformed
	}
	ok, err := utils.AcquireSeat(ctx, b.rdb, seatKey(name), participantID, b.opts.MaxPeers, b.opts.StreamTTL)
	if errors.Is(err, utils.ErrSeatHeld) {
		return nil, ErrParticipantTaken
	}
	if err != nil {
		return nil, fmt.Errorf("signaling: acquire seat: %w", err)
	}
	if !ok {
		return nil, ErrChannelFull
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &redisChannel{
		broker: b,
		name:   name,
		self:   participantID,
		box:    newMailbox(participantID),
		cancel: cancel,
		log:    b.opts.Logger.With(slog.String("channel", name), slog.String("participant", participantID)),
	}
	c.wg.Add(1)
	go c.readLoop(readCtx)
	return c, nil
}

type redisChannel struct {
	broker *RedisBroker
	name   string
	self   string
	box    *mailbox
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (c *redisChannel) Name() string { return c.name }

func (c *redisChannel) Publish(ctx context.Context, m Message) error {
	if c.box.closed() {
		return ErrClosed
	}
	if err := m.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}

	key := streamKey(c.name)
	pipe := c.broker.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: c.broker.opts.MaxLen,
		Approx: true,
		Values: map[string]any{messageField: raw},
	})
	pipe.Expire(ctx, key, c.broker.opts.StreamTTL)
	pipe.Expire(ctx, seatKey(c.name), c.broker.opts.StreamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signaling: publish: %w", err)
	}
	return nil
}

func (c *redisChannel) Messages() <-chan Message { return c.box.out }

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.box.close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = utils.ReleaseSeat(ctx, c.broker.rdb, seatKey(c.name), c.self)
	})
	return err
}

func (c *redisChannel) readLoop(ctx context.Context) {
	defer c.wg.Done()

	key := streamKey(c.name)
	lastID := "0"
	for {
		res, err := c.broker.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   64,
			Block:   c.broker.opts.Block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			c.log.Warn("signaling read failed", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, stream := range res {
			for _, xm := range stream.Messages {
				lastID = xm.ID
				m, err := decodeStreamMessage(xm)
				if err != nil {
					c.log.Warn("signaling message dropped", slog.String("stream_id", xm.ID), slog.Any("err", err))
					continue
				}
				c.box.push(m)
			}
		}
	}
}

func decodeStreamMessage(xm redis.XMessage) (Message, error) {
	var raw []byte
	switch v := xm.Values[messageField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return Message{}, fmt.Errorf("%w: missing %q field", ErrMalformed, messageField)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
