package http

import (
	"context"
	"net/http"
	"strconv"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/internal/core/ports"
	"ticksettle/internal/infrastructure/middleware"
	"ticksettle/pkg/errors"
	"ticksettle/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SessionServer runs a watch session for an authenticated viewer.
type SessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, stream domain.StreamID, viewer domain.AccountID)
}

type SettlementHandler struct {
	engagements  ports.EngagementLedger
	payments     ports.PaymentLedger
	orchestrator ports.PaymentOrchestrator
	signers      ports.SignerProvider
	archive      ports.PaymentArchive
	sessions     SessionServer
	authority    domain.AccountID
	pricing      domain.PricingConfig
}

type SettlementHandlerConfig struct {
	Authority      domain.AccountID
	DefaultPricing domain.PricingConfig
}

func NewSettlementHandler(
	engagements ports.EngagementLedger,
	payments ports.PaymentLedger,
	orchestrator ports.PaymentOrchestrator,
	signers ports.SignerProvider,
	sessions SessionServer,
	config SettlementHandlerConfig,
) *SettlementHandler {
	return &SettlementHandler{
		engagements:  engagements,
		payments:     payments,
		orchestrator: orchestrator,
		signers:      signers,
		sessions:     sessions,
		authority:    config.Authority,
		pricing:      config.DefaultPricing,
	}
}

// WithArchive serves payment queries from the archive instead of the ledger.
func (h *SettlementHandler) WithArchive(archive ports.PaymentArchive) *SettlementHandler {
	h.archive = archive
	return h
}

func (h *SettlementHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc, wsLimit gin.HandlerFunc) {
	api := router.Group("/api/v1", auth)
	{
		api.GET("/streams", h.ListStreams)
		api.POST("/streams", h.RegisterStream)
		api.GET("/streams/:id", h.GetStream)
		api.POST("/streams/:id/end", h.EndStream)
		api.PUT("/streams/:id/fee", h.requireAuthority, h.SetPlatformFee)
		api.POST("/streams/:id/join", h.JoinStream)
		api.POST("/streams/:id/leave", h.LeaveStream)
		api.POST("/streams/:id/ticks", h.RecordTicks)
		api.GET("/streams/:id/engagements", h.ListEngagements)
		api.GET("/streams/:id/playback", h.GetPlayback)

		api.GET("/payments", h.ListPayments)
		api.POST("/payouts/:creator", h.DistributePayout)
		api.POST("/deposits", h.Deposit)
		api.POST("/billing/run", h.requireAuthority, h.RunBilling)

		account := api.Group("/accounts/:account", middleware.RequireSelfOrAccounts("account", h.authority))
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/earnings", h.GetEarnings)
			account.GET("/spending", h.GetSpending)
			account.PUT("/spending/limit", h.UpdateSpendingLimit)
			account.POST("/spending/reset", h.requireAuthority, h.ResetSpend)
		}
	}

	router.GET("/ws/streams/:id", wsLimit, auth, h.Watch)
}

func (h *SettlementHandler) requireAuthority(c *gin.Context) {
	if account, _ := middleware.AccountFromContext(c); account != h.authority {
		c.Error(errors.NewForbiddenError("platform authority required"))
		c.Abort()
		return
	}
	c.Next()
}

// sign produces an origin for the session account over call.
func (h *SettlementHandler) sign(c *gin.Context, call domain.Call) (domain.Origin, bool) {
	account, ok := middleware.AccountFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return domain.Origin{}, false
	}
	signer, err := h.signers.SignerFor(account)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeForbidden, "no signing key for account", http.StatusForbidden))
		return domain.Origin{}, false
	}
	origin, err := ledger.SignCall(c.Request.Context(), signer, call)
	if err != nil {
		c.Error(err)
		return domain.Origin{}, false
	}
	return origin, true
}

func streamParam(c *gin.Context) (domain.StreamID, bool) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.StreamID(id), true
}

type registerStreamRequest struct {
	StreamID           domain.StreamID `json:"stream_id" binding:"required"`
	RatePerTick        *uint64         `json:"rate_per_tick"`
	MinPaymentAmount   *uint64         `json:"min_payment_amount"`
	PlatformFeePercent *int            `json:"platform_fee_percent"`
}

// RegisterStream creates a stream owned by the caller. Pricing fields left out
// of the request come from the configured defaults; only the authority may
// register a stream with a different platform fee.
func (h *SettlementHandler) RegisterStream(c *gin.Context) {
	var req registerStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	pricing := h.pricing
	if req.RatePerTick != nil {
		pricing.RatePerTick = domain.Amount(*req.RatePerTick)
	}
	if req.MinPaymentAmount != nil {
		pricing.MinPaymentAmount = domain.Amount(*req.MinPaymentAmount)
	}
	if req.PlatformFeePercent != nil {
		if err := validation.ValidateFeePercent(*req.PlatformFeePercent); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		pricing.PlatformFeePercent = uint8(*req.PlatformFeePercent)
	}

	origin, ok := h.sign(c, domain.NewRegisterStreamCall(req.StreamID, pricing))
	if !ok {
		return
	}
	stream, err := h.engagements.RegisterStream(c.Request.Context(), origin, req.StreamID, pricing)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stream": stream})
}

type platformFeeRequest struct {
	PlatformFeePercent *int `json:"platform_fee_percent" binding:"required"`
}

// SetPlatformFee changes the fee on future payments for a stream. Authority only.
func (h *SettlementHandler) SetPlatformFee(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	var req platformFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateFeePercent(*req.PlatformFeePercent); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	fee := uint8(*req.PlatformFeePercent)
	origin, ok := h.sign(c, domain.NewSetPlatformFeeCall(id, fee))
	if !ok {
		return
	}
	stream, err := h.engagements.SetPlatformFee(c.Request.Context(), origin, id, fee)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

// GetStream returns the stream, including total_ticks recorded across viewers.
func (h *SettlementHandler) GetStream(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	stream, err := h.engagements.GetStream(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *SettlementHandler) ListStreams(c *gin.Context) {
	streams, err := h.engagements.ListStreams(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams, "count": len(streams)})
}

// EndStream archives the stream. Remaining ticks are still billed.
func (h *SettlementHandler) EndStream(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	origin, ok := h.sign(c, domain.NewEndStreamCall(id))
	if !ok {
		return
	}
	if err := h.engagements.EndStream(c.Request.Context(), origin, id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SettlementHandler) JoinStream(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	origin, ok := h.sign(c, domain.NewJoinCall(id))
	if !ok {
		return
	}
	if err := h.engagements.Join(c.Request.Context(), origin, id); err != nil {
		c.Error(err)
		return
	}
	h.respondEngagement(c, http.StatusOK, id, origin.Account)
}

// LeaveStream removes the caller from the stream. Counters are kept.
func (h *SettlementHandler) LeaveStream(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	account, _ := middleware.AccountFromContext(c)
	origin, ok := h.sign(c, domain.NewLeaveCall(id, account))
	if !ok {
		return
	}
	if err := h.engagements.Leave(c.Request.Context(), origin, id, account); err != nil {
		c.Error(err)
		return
	}
	h.respondEngagement(c, http.StatusOK, id, account)
}

type recordTicksRequest struct {
	Viewer domain.AccountID `json:"viewer"`
	Count  uint64           `json:"count" binding:"required"`
	Window uint64           `json:"window"`
}

// RecordTicks accepts self-reported ticks, or ticks for any viewer when the
// session account is a tick submitter.
func (h *SettlementHandler) RecordTicks(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	var req recordTicksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.Viewer == "" {
		req.Viewer, _ = middleware.AccountFromContext(c)
	}

	call := domain.TickCall{StreamID: id, Viewer: req.Viewer, Count: req.Count, Window: req.Window}
	origin, ok := h.sign(c, domain.NewRecordTickCall(call))
	if !ok {
		return
	}
	if err := h.engagements.RecordTick(c.Request.Context(), origin, call); err != nil {
		c.Error(err)
		return
	}
	h.respondEngagement(c, http.StatusAccepted, id, req.Viewer)
}

func (h *SettlementHandler) respondEngagement(c *gin.Context, status int, id domain.StreamID, viewer domain.AccountID) {
	engagement, err := h.engagements.GetEngagement(c.Request.Context(), id, viewer)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(status, gin.H{
		"engagement": engagement,
		"unbilled":   engagement.Unbilled(),
	})
}

func (h *SettlementHandler) ListEngagements(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	creator, err := h.engagements.CreatorOf(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}
	if account, _ := middleware.AccountFromContext(c); account != creator && account != h.authority {
		c.Error(errors.NewForbiddenError("only the stream creator may list engagements"))
		return
	}

	engagements, err := h.engagements.ListEngagements(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engagements": engagements, "count": len(engagements)})
}

func (h *SettlementHandler) GetPlayback(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	viewer, _ := middleware.AccountFromContext(c)
	state, reason, err := h.orchestrator.PlaybackState(c.Request.Context(), id, viewer)
	if err != nil {
		c.Error(err)
		return
	}
	resp := gin.H{"stream_id": id, "viewer": viewer, "state": state}
	if state == domain.PlaybackPaused {
		resp["reason"] = reason
		resp["message"] = reason.Message()
	}
	c.JSON(http.StatusOK, resp)
}

func parseUint(c *gin.Context, name string) (uint64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.Error(errors.NewInvalidInputError(name + " must be a non-negative integer"))
		return 0, false
	}
	return v, true
}

// ListPayments returns payments the session account took part in. The
// authority may query any payer or payee.
func (h *SettlementHandler) ListPayments(c *gin.Context) {
	after, ok := parseUint(c, "after")
	if !ok {
		return
	}
	limit, ok := parseUint(c, "limit")
	if !ok {
		return
	}
	if limit == 0 || limit > 500 {
		limit = 100
	}

	filter := domain.PaymentFilter{
		Payer:    domain.AccountID(c.Query("payer")),
		Payee:    domain.AccountID(c.Query("payee")),
		StreamID: domain.StreamID(c.Query("stream_id")),
		AfterSeq: after,
		Limit:    int(limit),
	}

	account, _ := middleware.AccountFromContext(c)
	if account != h.authority && filter.Payer != account && filter.Payee != account {
		if filter.Payer != "" || filter.Payee != "" {
			c.Error(errors.NewForbiddenError("payments of other accounts are not visible"))
			return
		}
		filter.Payer = account
	}

	var (
		records []*domain.PaymentRecord
		err     error
	)
	if h.archive != nil {
		records, err = h.archive.Query(c.Request.Context(), filter)
	} else {
		records, err = h.payments.Payments(c.Request.Context(), filter)
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": records, "count": len(records)})
}

func (h *SettlementHandler) DistributePayout(c *gin.Context) {
	creator := c.Param("creator")
	if err := validation.ValidateAccountID(creator); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	origin, ok := h.sign(c, domain.NewDistributePayoutCall(domain.AccountID(creator)))
	if !ok {
		return
	}
	payout, err := h.payments.DistributePayout(c.Request.Context(), origin, domain.AccountID(creator))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": payout})
}

type depositRequest struct {
	Account   domain.AccountID `json:"account" binding:"required"`
	Amount    uint64           `json:"amount" binding:"required"`
	Reference string           `json:"reference" binding:"required"`
}

func (h *SettlementHandler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateAccountID(string(req.Account)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateReference(req.Reference); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	call := domain.DepositCall{Account: req.Account, Amount: domain.Amount(req.Amount), Reference: req.Reference}
	origin, ok := h.sign(c, domain.NewDepositCall(call))
	if !ok {
		return
	}
	balance, err := h.payments.Deposit(c.Request.Context(), origin, call)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": req.Account, "balance": balance})
}

// RunBilling triggers one orchestrator pass and returns its report.
func (h *SettlementHandler) RunBilling(c *gin.Context) {
	report, err := h.orchestrator.RunOnce(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *SettlementHandler) GetBalance(c *gin.Context) {
	account := domain.AccountID(c.Param("account"))
	balance, err := h.orchestrator.GetBalance(c.Request.Context(), account)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "balance": balance})
}

func (h *SettlementHandler) GetEarnings(c *gin.Context) {
	ctx := c.Request.Context()
	creator := domain.AccountID(c.Param("account"))

	earnings, err := h.payments.Earnings(ctx, creator)
	if err != nil {
		c.Error(err)
		return
	}
	totals, err := h.payments.PayoutTotals(ctx, creator)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"creator": creator, "earnings": earnings, "payouts": totals})
}

func (h *SettlementHandler) GetSpending(c *gin.Context) {
	viewer := domain.AccountID(c.Param("account"))
	resp, err := h.spending(c.Request.Context(), viewer)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SettlementHandler) spending(ctx context.Context, viewer domain.AccountID) (gin.H, error) {
	limit, err := h.orchestrator.GetSpendingLimit(ctx, viewer)
	if err != nil {
		return nil, err
	}
	current, err := h.orchestrator.GetCurrentSpend(ctx, viewer)
	if err != nil {
		return nil, err
	}
	total, err := h.orchestrator.GetTotalSpent(ctx, viewer)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"viewer":        viewer,
		"limit":         limit,
		"current_spend": current,
		"total_spent":   total,
	}, nil
}

type spendingLimitRequest struct {
	Limit *uint64 `json:"limit" binding:"required"`
}

// UpdateSpendingLimit sets the viewer's cap for the current period. A cap
// below what was already spent is rejected.
func (h *SettlementHandler) UpdateSpendingLimit(c *gin.Context) {
	viewer := domain.AccountID(c.Param("account"))
	var req spendingLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	ctx := c.Request.Context()
	if err := h.orchestrator.UpdateSpendingLimit(ctx, viewer, domain.Amount(*req.Limit)); err != nil {
		c.Error(err)
		return
	}
	resp, err := h.spending(ctx, viewer)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ResetSpend starts a new spending period for the viewer. Authority only.
func (h *SettlementHandler) ResetSpend(c *gin.Context) {
	viewer := domain.AccountID(c.Param("account"))
	if err := h.orchestrator.ResetSpend(c.Request.Context(), viewer); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Watch upgrades to a websocket watch session for the session account.
func (h *SettlementHandler) Watch(c *gin.Context) {
	id, ok := streamParam(c)
	if !ok {
		return
	}
	viewer, _ := middleware.AccountFromContext(c)
	h.sessions.Serve(c.Writer, c.Request, id, viewer)
}
