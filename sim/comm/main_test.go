package comm

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	// Set DEBUG_TESTS=1 to see full logs: DEBUG_TESTS=1 go test ./sim/comm/... -v
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

// runRanks runs fn on size in-process ranks and waits for all of them.
func runRanks(t *testing.T, size int, fn func(ctx context.Context, c *Communicator) error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, tr := range NewLocalCluster(size) {
		c := New(tr, nil, nil)
		g.Go(func() error {
			defer c.Close()
			return fn(ctx, c)
		})
	}
	return g.Wait()
}
