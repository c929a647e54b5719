package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"whatsapp-gateway/outbound"
	"whatsapp-gateway/session"
	"whatsapp-gateway/types"
)

const pingTimeLayout = "02/01/2006 15:04:05"

const (
	qrStatusConnected = "conectado"
	qrStatusWaiting   = "aguardando_qr"
	qrStatusNone      = "sem_qr"
)

type Handler struct {
	sessions  Sessions
	directory Directory
	sender    Sender
	log       zerolog.Logger
	now       func() time.Time
}

type accountRequest struct {
	AccountID types.ID `json:"conta_id"`
	To        types.ID `json:"to"`
}

type accountBody struct {
	AccountID string
	To        string
}

// bindAccount reads {conta_id} and answers 400 itself when it is missing.
func (h *Handler) bindAccount(c *gin.Context) (accountBody, bool) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(string(req.AccountID)) == "" {
		c.JSON(http.StatusBadRequest, types.Fail("conta_id obrigatório"))
		return accountBody{}, false
	}
	return accountBody{AccountID: strings.TrimSpace(string(req.AccountID)), To: string(req.To)}, true
}

func (h *Handler) Add(c *gin.Context) {
	body, ok := h.bindAccount(c)
	if !ok {
		return
	}
	h.log.Info().Str("conta_id", body.AccountID).Msg("Adding account")

	err := h.sessions.CreateSession(c.Request.Context(), body.AccountID)
	switch {
	case errors.Is(err, session.ErrConflict):
		c.JSON(http.StatusBadRequest, types.Fail("Conta já cadastrada"))
	case err != nil:
		c.JSON(http.StatusInternalServerError, types.Fail(err.Error()))
	default:
		c.JSON(http.StatusOK, types.OK("OK"))
	}
}

func (h *Handler) Init(c *gin.Context) {
	body, ok := h.bindAccount(c)
	if !ok {
		return
	}
	h.log.Info().Str("conta_id", body.AccountID).Msg("Initializing account")

	if err := h.sessions.ReinitSession(c.Request.Context(), body.AccountID); err != nil {
		c.JSON(http.StatusInternalServerError, types.Fail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, types.OK("OK"))
}

// Seen marks a chat as read. Failures are logged and never reported.
func (h *Handler) Seen(c *gin.Context) {
	body, ok := h.bindAccount(c)
	if !ok {
		return
	}
	if err := h.sender.MarkSeen(c.Request.Context(), body.AccountID, body.To); err != nil {
		h.log.Warn().Err(err).Str("conta_id", body.AccountID).Str("to", body.To).Msg("Failed to mark chat as read")
	}
	c.JSON(http.StatusOK, types.OK("OK"))
}

func (h *Handler) Send(c *gin.Context) {
	var msg types.OutboundMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusUnprocessableEntity, types.Fail(outbound.ErrValidation.Error()))
		return
	}
	res := h.sender.Send(c.Request.Context(), msg)
	c.JSON(res.Status, res.Result)
}

type pingResponse struct {
	Status   string                `json:"status"`
	Hora     string                `json:"hora"`
	Accounts []types.AccountStatus `json:"contas"`
}

func (h *Handler) Ping(c *gin.Context) {
	snaps := h.directory.Snapshots()
	accounts := make([]types.AccountStatus, 0, len(snaps))
	for _, s := range snaps {
		accounts = append(accounts, types.AccountStatus{AccountID: s.AccountID, Ready: s.Ready})
	}
	c.JSON(http.StatusOK, pingResponse{
		Status:   "ok",
		Hora:     h.now().Format(pingTimeLayout),
		Accounts: accounts,
	})
}

// QR returns the last QR code of an account still waiting to be paired.
func (h *Handler) QR(c *gin.Context) {
	snap, ok := h.directory.Snapshot(c.Param("contaId"))
	if !ok {
		c.JSON(http.StatusNotFound, types.Fail("Conta não encontrada"))
		return
	}
	switch {
	case snap.Ready:
		c.JSON(http.StatusOK, gin.H{"cod": 0, "qr": "", "status": qrStatusConnected})
	case snap.QR != "":
		c.JSON(http.StatusOK, gin.H{"cod": 0, "qr": snap.QR, "status": qrStatusWaiting})
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"cod":    1,
			"msg":    "QR Code não disponível. Inicie a conexão primeiro.",
			"status": qrStatusNone,
		})
	}
}

func (h *Handler) Logout(c *gin.Context) {
	body, ok := h.bindAccount(c)
	if !ok {
		return
	}
	err := h.sessions.Logout(c.Request.Context(), body.AccountID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, types.Fail("Conta não encontrada"))
	case err != nil:
		c.JSON(http.StatusInternalServerError, types.Fail(err.Error()))
	default:
		c.JSON(http.StatusOK, types.OK("OK"))
	}
}

func (h *Handler) Destroy(c *gin.Context) {
	body, ok := h.bindAccount(c)
	if !ok {
		return
	}
	if err := h.sessions.DestroySession(c.Request.Context(), body.AccountID); err != nil {
		c.JSON(http.StatusInternalServerError, types.Fail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, types.OK("OK"))
}
