package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
	assert.Equal(t, OK, Summarize(statuses))
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("config", func(_ context.Context) Status {
		return Status{Name: "config", Healthy: true}
	})
	r.RegisterOptional("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "memory"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "config", statuses[0].Name)
	assert.Equal(t, "cache", statuses[1].Name)
	assert.True(t, statuses[1].Optional)
	assert.Equal(t, OK, Summarize(statuses))
}

func TestRegistryOptionalFailureDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("config", func(_ context.Context) Status {
		return Status{Name: "config", Healthy: true}
	})
	r.RegisterOptional("inference", func(_ context.Context) Status {
		return Status{Name: "inference", Healthy: false, Detail: "unreachable"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Equal(t, Degraded, Summarize(statuses))
	assert.Equal(t, "unreachable", statuses[1].Detail)
}

func TestRegistryCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("config", func(_ context.Context) Status {
		return Status{Name: "config", Healthy: false, Detail: "broken"}
	})
	r.RegisterOptional("inference", func(_ context.Context) Status {
		return Status{Name: "inference", Healthy: false}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, Unhealthy, Summarize(statuses))
}

func TestRegistryTimeoutBoundsChecker(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(30 * time.Millisecond)
	r.RegisterOptional("slow", PingChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	_, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Healthy)
	assert.Contains(t, statuses[0].Detail, "deadline exceeded")
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("redis", func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, Status{Name: "redis", Healthy: true}, ok)

	bad := PingChecker("redis", func(context.Context) error { return errors.New("dial tcp: refused") })(context.Background())
	assert.False(t, bad.Healthy)
	assert.Equal(t, "dial tcp: refused", bad.Detail)
}

func TestRegistryNameDefaultsToRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("unnamed", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "unnamed", statuses[0].Name)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
