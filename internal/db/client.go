package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Client owns the connection pool and its circuit breaker.
type Client struct {
	db     *sqlx.DB
	guard  *circuitbreaker.Guard
	logger *zap.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 2
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	raw, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(config.MaxConnections)
	raw.SetMaxIdleConns(config.IdleConnections)
	raw.SetConnMaxLifetime(config.MaxLifetime)

	c := NewClient(raw, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c.logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.String("database", config.Database),
		zap.Int("max_connections", config.MaxConnections),
	)
	return c, nil
}

// NewClient wraps an existing pool.
func NewClient(db *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		db:     db,
		guard:  circuitbreaker.NewGuard(circuitbreaker.DependencyDatabase, "session-archive", logger),
		logger: logger.With(zap.String("component", "database")),
	}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.guard.Run(ctx, func(ctx context.Context) error {
		return c.db.PingContext(ctx)
	})
}

// Breaker exposes the pool's circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.guard.Breaker() }

// Close closes the pool.
func (c *Client) Close() error {
	return c.db.Close()
}
