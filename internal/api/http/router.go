package http

import (
	"github.com/gin-gonic/gin"
	"github.com/runtimefence/fence/internal/api/http/handler"
	"github.com/runtimefence/fence/internal/api/http/middleware"
	"github.com/runtimefence/fence/internal/breaker"
	"github.com/runtimefence/fence/internal/enroll"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/ledger"
	"github.com/runtimefence/fence/internal/operators"
	"github.com/runtimefence/fence/internal/profile"
	"github.com/runtimefence/fence/internal/validator"
)

type Services struct {
	Validator  *validator.Service
	Identities *identity.Manager
	Circuits   *breaker.Manager
	Profiles   *profile.Store
	Audit      *ledger.Ledger
	Operators  *operators.Service
	EnrollKeys *enroll.KeyStore
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Operators)
	validateHandler := handler.NewValidateHandler(srvs.Validator)
	identitiesHandler := handler.NewIdentitiesHandler(srvs.Identities, srvs.Circuits, srvs.Profiles)
	auditHandler := handler.NewAuditHandler(srvs.Audit)
	operatorsHandler := handler.NewOperatorsHandler(srvs.Operators)

	v1 := engine.Group("/api/v1")

	enrollHandler := handler.NewEnrollHandler(srvs.EnrollKeys, srvs.Identities)

	v1.POST("/auth/register", authHandler.Register)
	v1.POST("/auth/login", authHandler.Login)

	// Agents trade a one-time key for their first credential.
	v1.POST("/enroll", enrollHandler.Enroll)

	// Agent-facing enforcement endpoint, authenticated by shared API key.
	enforcement := v1.Group("", middleware.APIKeyAuth(cfg.AgentAPIKey))
	enforcement.POST("/validate", validateHandler.Validate)

	// Operator-facing endpoints. Identity ids contain slashes, so identity
	// routes carry the id as a trailing wildcard.
	authorized := v1.Group("", middleware.JWTAuth(cfg.JWTSecret))
	authorized.POST("/identities", identitiesHandler.Create)
	authorized.GET("/identities", identitiesHandler.List)
	authorized.GET("/identities/status/*id", identitiesHandler.Status)
	authorized.POST("/identities/credentials/*id", identitiesHandler.IssueCredential)
	authorized.GET("/identities/credentials/*id", identitiesHandler.CurrentCredential)
	authorized.POST("/identities/revoke/*id", identitiesHandler.Kill)
	authorized.POST("/identities/kill-all", identitiesHandler.KillAll)
	authorized.GET("/identities/circuit/*id", identitiesHandler.Circuit)
	authorized.POST("/enroll-keys", enrollHandler.CreateKey)
	authorized.GET("/enroll-keys", enrollHandler.ListKeys)

	admin := authorized.Group("", middleware.RequireRole(operators.RoleAdmin))
	admin.GET("/audit", auditHandler.List)
	admin.GET("/audit/verify", auditHandler.Verify)
	admin.GET("/operators", operatorsHandler.List)
	admin.DELETE("/operators/:id", operatorsHandler.Delete)
}
