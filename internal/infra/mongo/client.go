package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/acme/conversation-campaign/internal/config"
)

// Client wraps a mongo client bound to one database.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewClient connects and pings the primary.
func NewClient(ctx context.Context, cfg config.MongoConfig) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri cannot be empty")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo: database cannot be empty")
	}
	poolSize := cfg.MaxPoolSize
	if poolSize == 0 {
		poolSize = 100
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(poolSize).
		SetMaxConnIdleTime(60 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	return &Client{client: client, db: client.Database(cfg.Database)}, nil
}

// Collection returns a collection handle.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// Ping checks the primary is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}
