package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"stagelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, timeout time.Duration, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// AddRedisCheck verifies the optional Redis backend answers pings.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", timeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// AddRoomRepositoryCheck verifies the room registry can be listed.
func (h *HealthChecker) AddRoomRepositoryCheck(repo ports.RoomRepository, timeout time.Duration) {
	h.AddCheck("rooms", timeout, func(ctx context.Context) error {
		_, err := repo.List(ctx)
		return err
	})
}

// AddEngineCheck verifies the media engine still has live workers.
func (h *HealthChecker) AddEngineCheck(engine ports.MediaEngine, timeout time.Duration) {
	h.AddCheck("engine", timeout, func(ctx context.Context) error {
		if engine.WorkerCount() == 0 {
			return errors.New("no engine workers")
		}
		return nil
	})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		err := check.Check(checkCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// IsReady reports whether the service should receive traffic.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
