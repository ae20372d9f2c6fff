//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	tc "github.com/testcontainers/testcontainers-go/modules/compose"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/orders-cqrs/db"
	"github.com/xenking/orders-cqrs/internal/repository"
)

var (
	databaseURL string
	brokers     []string
	redisAddr   string
	pool        *pgxpool.Pool
)

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dc, err := tc.NewDockerCompose("docker-compose.test.yml")
	if err != nil {
		log.Fatalf("compose init: %v", err)
	}
	defer func() {
		if err := dc.Down(context.Background(), tc.RemoveOrphans(true)); err != nil {
			log.Printf("compose down: %v", err)
		}
	}()

	err = dc.
		WaitForService("postgres", wait.ForListeningPort("5432/tcp")).
		WaitForService("redpanda", wait.ForLog("Successfully started Redpanda!")).
		WaitForService("redis", wait.ForListeningPort("6379/tcp")).
		Up(ctx, tc.Wait(true))
	if err != nil {
		log.Fatalf("compose up: %v", err)
	}

	pgAddr, err := serviceAddr(ctx, dc, "postgres")
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	databaseURL = fmt.Sprintf("postgres://orders:orders@%s/orders?sslmode=disable", pgAddr)

	if redisAddr, err = serviceAddr(ctx, dc, "redis"); err != nil {
		log.Fatalf("redis: %v", err)
	}
	// Redpanda advertises a fixed host port.
	brokers = []string{"localhost:19092"}

	if pool, err = repository.NewPool(ctx, databaseURL); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := repository.RunMigrations(ctx, pool, db.WriteSchema, db.ReadSchema); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("postgres at %s, redis at %s, kafka at %v", pgAddr, redisAddr, brokers)

	return m.Run()
}

// serviceAddr returns host:port of the single port a service exposes.
func serviceAddr(ctx context.Context, dc *tc.DockerCompose, service string) (string, error) {
	c, err := dc.ServiceContainer(ctx, service)
	if err != nil {
		return "", err
	}
	return c.Endpoint(ctx, "")
}

func truncate(t *testing.T, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := pool.Exec(context.Background(), "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
