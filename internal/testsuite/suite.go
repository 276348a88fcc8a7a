//go:build integration

// Package testsuite starts throwaway infrastructure in containers for the
// integration tests.
package testsuite

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

type BaseSuite struct {
	suite.Suite
	Ctx context.Context

	PgContainer    *tcpostgres.PostgresContainer
	RedisContainer *tcredis.RedisContainer
	KafkaContainer *tckafka.KafkaContainer

	DSN          string
	DbPool       *pgxpool.Pool
	Redis        *redis.Client
	KafkaBrokers []string
}

// SetupPostgres starts Postgres and applies the embedded migrations.
func (s *BaseSuite) SetupPostgres() {
	if s.Ctx == nil {
		s.Ctx = context.Background()
	}
	var err error
	s.PgContainer, err = tcpostgres.Run(
		s.Ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("test_db"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	s.DSN, err = s.PgContainer.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(postgres.Migrate(s.DSN))

	s.DbPool, err = postgres.Connect(s.Ctx, s.DSN, 32)
	s.Require().NoError(err)
}

func (s *BaseSuite) SetupRedis() {
	if s.Ctx == nil {
		s.Ctx = context.Background()
	}
	var err error
	s.RedisContainer, err = tcredis.Run(s.Ctx, "redis:7-alpine")
	s.Require().NoError(err)

	uri, err := s.RedisContainer.ConnectionString(s.Ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(uri)
	s.Require().NoError(err)
	s.Redis = redis.NewClient(opts)
}

func (s *BaseSuite) SetupKafka() {
	if s.Ctx == nil {
		s.Ctx = context.Background()
	}
	var err error
	s.KafkaContainer, err = tckafka.Run(
		s.Ctx,
		"confluentinc/cp-kafka:7.5.0",
		tckafka.WithClusterID("test-cluster"),
	)
	s.Require().NoError(err)

	s.KafkaBrokers, err = s.KafkaContainer.Brokers(s.Ctx)
	s.Require().NoError(err)
}

func (s *BaseSuite) TearDownInfrastructure() {
	if s.DbPool != nil {
		s.DbPool.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	terminate := func(name string, c testcontainers.Container) {
		if err := c.Terminate(s.Ctx); err != nil {
			log.Printf("terminate %s container: %v", name, err)
		}
	}
	if s.PgContainer != nil {
		terminate("postgres", s.PgContainer)
	}
	if s.RedisContainer != nil {
		terminate("redis", s.RedisContainer)
	}
	if s.KafkaContainer != nil {
		terminate("kafka", s.KafkaContainer)
	}
}

func (s *BaseSuite) Truncate(tables ...string) {
	_, err := s.DbPool.Exec(s.Ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(tables, ", ")))
	s.Require().NoError(err)
}

// SeedVariant inserts a product, when missing, and one of its variants.
func (s *BaseSuite) SeedVariant(productID, variant string, priceCents int64, stock int) {
	_, err := s.DbPool.Exec(s.Ctx, `
		INSERT INTO products (id, name, price_cents) VALUES ($1, $1, $2)
		ON CONFLICT (id) DO NOTHING`, productID, priceCents)
	s.Require().NoError(err)
	_, err = s.DbPool.Exec(s.Ctx, `
		INSERT INTO product_variants (product_id, variant_key, stock) VALUES ($1, $2, $3)
		ON CONFLICT (product_id, variant_key) DO UPDATE SET stock = EXCLUDED.stock`, productID, variant, stock)
	s.Require().NoError(err)
}

func (s *BaseSuite) Stock(productID, variant string) int {
	var n int
	err := s.DbPool.QueryRow(s.Ctx,
		`SELECT stock FROM product_variants WHERE product_id = $1 AND variant_key = $2`, productID, variant).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *BaseSuite) SoldCount(productID string) int {
	var n int
	err := s.DbPool.QueryRow(s.Ctx, `SELECT sold_count FROM products WHERE id = $1`, productID).Scan(&n)
	s.Require().NoError(err)
	return n
}
