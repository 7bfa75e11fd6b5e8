//go:build integration

package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lims/lims/internal/platform/db"
)

const (
	postgresImage = "postgres:16-alpine"
	testDatabase  = "limstest"
)

// startPostgresContainer runs a throwaway Postgres for the lab schema and
// returns its connection string and a cleanup function. Docker picks the
// host port, so parallel runs on one machine do not collide.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=lims",
		"-e", "POSTGRES_PASSWORD=lims",
		"-e", "POSTGRES_DB="+testDatabase,
		postgresImage,
		// durability is irrelevant for a test database
		"-c", "fsync=off", "-c", "synchronous_commit=off",
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w: %s", postgresImage, err, out)
	}
	id := strings.TrimSpace(string(out))
	cleanup := func() { _ = exec.Command("docker", "rm", "-f", id).Run() }

	hostPort, err := mappedPort(ctx, id, "5432/tcp")
	if err != nil {
		cleanup()
		return "", nil, err
	}

	connStr := fmt.Sprintf("postgres://lims:lims@%s/%s?sslmode=disable", hostPort, testDatabase)
	if err := waitForPostgres(ctx, connStr, 30*time.Second); err != nil {
		cleanup()
		return "", nil, err
	}
	return connStr, cleanup, nil
}

// mappedPort asks Docker which host address was bound to the container port.
func mappedPort(ctx context.Context, id, port string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", id, port).Output()
	if err != nil {
		return "", fmt.Errorf("docker port %s: %w", port, err)
	}
	// one line per bound address; the first is enough
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return "", fmt.Errorf("no host binding for %s", port)
	}
	return line, nil
}

// waitForPostgres retries db.NewPool until the server accepts connections.
// The image restarts once after initdb, so two consecutive pings must pass.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	healthy := 0
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		pool, err := db.NewPool(attemptCtx, connStr, 2, 0)
		cancel()
		if err == nil {
			pool.Close()
			if healthy++; healthy == 2 {
				return nil
			}
		} else {
			healthy, lastErr = 0, err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("postgres not ready after %v: %v", timeout, lastErr)
}
