package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/vault-client-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
	Check(ctx context.Context) *Health
}

// Checker probes one dependency.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type health struct {
	checks  []Checker
	timeout time.Duration
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
	Vault *vault.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	var checks []Checker
	if p.DB != nil {
		db := p.DB
		checks = append(checks, Checker{Name: db.Name(), Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}
	if p.Redis != nil {
		rdb := p.Redis
		checks = append(checks, Checker{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if p.Vault != nil {
		client := p.Vault
		checks = append(checks, Checker{Name: "vault", Check: func(ctx context.Context) error {
			_, err := client.System.ReadHealthStatus(ctx)
			return err
		}})
	}
	return New(checks...)
}

func New(checks ...Checker) HealthService {
	return &health{checks: checks, timeout: 2 * time.Second}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  StatusHealthy,
		Message: "OK",
	})
}

func (h *health) Readiness(c *gin.Context) {
	res := h.Check(c.Request.Context())
	code := http.StatusOK
	if res.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, res)
}

func (h *health) Check(ctx context.Context) *Health {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	this := &Health{
		Status:  StatusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, len(h.checks)),
	}
	for _, chk := range h.checks {
		dep := Dependency{Name: chk.Name, Status: StatusHealthy, Message: "OK"}
		if err := chk.Check(ctx); err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = err.Error()
			this.Status = StatusUnhealthy
			this.Message = "dependency unavailable"
		}
		this.Deps = append(this.Deps, dep)
	}
	return this
}
