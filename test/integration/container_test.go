package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresImage = "postgres:16-alpine"

// startPostgresContainer starts a throwaway Postgres through the Docker CLI
// on an ephemeral host port. The returned cleanup removes the container.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, errors.New("docker not found")
	}

	name := "lis-it-" + uuid.NewString()[:8]
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=lis",
		"-e", "POSTGRES_PASSWORD=lis",
		"-e", "POSTGRES_DB=lis",
		postgresImage,
		"-c", "fsync=off",
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	cleanup := func() { _ = exec.Command("docker", "rm", "-f", name).Run() }

	addr, err := mappedAddr(ctx, name)
	if err != nil {
		cleanup()
		return "", nil, err
	}

	connStr := fmt.Sprintf("postgres://lis:lis@%s/lis?sslmode=disable", addr)
	if err := waitForPostgres(ctx, connStr, 30*time.Second); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("wait for postgres: %w", err)
	}
	return connStr, cleanup, nil
}

// mappedAddr asks Docker which host port it bound to the container's 5432.
func mappedAddr(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", name, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	host, port, err := net.SplitHostPort(line)
	if err != nil {
		return "", fmt.Errorf("parse docker port output %q: %w", line, err)
	}
	return net.JoinHostPort(host, port), nil
}

// waitForPostgres polls until the server answers a ping or timeout passes.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, err)
		case <-tick.C:
		}
	}
}
