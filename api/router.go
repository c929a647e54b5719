// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"whatsapp-gateway/metrics"
	"whatsapp-gateway/outbound"
	"whatsapp-gateway/session"
	"whatsapp-gateway/types"
)

// Sessions is the lifecycle surface the handlers drive.
type Sessions interface {
	CreateSession(ctx context.Context, accountID string) error
	ReinitSession(ctx context.Context, accountID string) error
	DestroySession(ctx context.Context, accountID string) error
	Logout(ctx context.Context, accountID string) error
}

// Directory answers status questions about sessions.
type Directory interface {
	Snapshot(accountID string) (session.Snapshot, bool)
	Snapshots() []session.Snapshot
}

type Sender interface {
	Send(ctx context.Context, msg types.OutboundMessage) outbound.Result
	MarkSeen(ctx context.Context, accountID, to string) error
}

type Deps struct {
	Sessions  Sessions
	Directory Directory
	Sender    Sender
	Logger    zerolog.Logger
	// Now is the clock used by /ping; defaults to time.Now.
	Now func() time.Time
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger.With().Str("component", "api").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	h := &Handler{
		sessions:  deps.Sessions,
		directory: deps.Directory,
		sender:    deps.Sender,
		log:       log,
		now:       deps.Now,
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"cod": 0, "msg": "ok"})
	})
	r.POST("/add", h.Add)
	r.POST("/init", h.Init)
	r.POST("/seen", h.Seen)
	r.POST("/send", h.Send)
	r.GET("/ping", h.Ping)
	r.GET("/qr/:contaId", h.QR)
	r.POST("/logout", h.Logout)
	r.POST("/destroy", h.Destroy)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}
