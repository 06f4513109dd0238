// Package relay bridges broadcast events between broker instances through
// Redis pub/sub, so sessions attached to different brokers still see each
// other's deltas and ownership transitions.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "loom:doc:"

// frame is the relay envelope. Origin lets an instance skip frames it
// published itself.
type frame struct {
	Origin string          `json:"origin"`
	URI    string          `json:"uri"`
	Event  json.RawMessage `json:"event"`
}

// Sink receives frames published by other broker instances.
type Sink interface {
	DeliverRelayed(uri string, frame []byte)
}

type Relay struct {
	client *redis.Client
	origin string
	cancel context.CancelFunc
}

// New connects to Redis and verifies the connection. origin identifies this
// broker instance in published frames.
func New(redisURL, origin string) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Relay{client: client, origin: origin}, nil
}

// Publish sends an event frame to every broker instance watching uri.
func (r *Relay) Publish(uri string, event []byte) {
	payload, err := json.Marshal(frame{Origin: r.origin, URI: uri, Event: event})
	if err != nil {
		log.Printf("relay encode for %s: %v", uri, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, channelPrefix+uri, payload).Err(); err != nil {
		log.Printf("relay publish for %s: %v", uri, err)
	}
}

// Run subscribes to every document channel and forwards frames from other
// instances into sink until Close is called.
func (r *Relay) Run(sink Sink) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	go func() {
		defer pubsub.Close()
		for msg := range pubsub.Channel() {
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				log.Printf("relay decode on %s: %v", msg.Channel, err)
				continue
			}
			if f.Origin == r.origin {
				continue
			}
			uri := f.URI
			if uri == "" {
				uri = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			sink.DeliverRelayed(uri, f.Event)
		}
	}()
}

func (r *Relay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.client.Close()
}
