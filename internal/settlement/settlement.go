package settlement

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/exhazordinary/atomicsettle/internal/config"
	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/types"
	"github.com/exhazordinary/atomicsettle/pkg/response"
)

const terminalPollInterval = 25 * time.Millisecond

// Service is the submission and query surface for settlements. Submission
// validates, records the idempotency mapping, and hands the settlement to the
// orchestrator; queries read persisted state only.
type Service struct {
	db           *Database
	ledger       *ledger.Service
	orchestrator *Orchestrator
	cfg          config.Config
}

func NewService(db *Database, ledgerSvc *ledger.Service, orchestrator *Orchestrator, cfg config.Config) *Service {
	return &Service{
		db:           db,
		ledger:       ledgerSvc,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
}

// Submit creates a single-transfer settlement. The idempotency key dedupes
// replays: an equivalent replay returns the original settlement, a
// conflicting one fails validation.
func (s *Service) Submit(ctx context.Context, initiator, idempotencyKey string, req types.SettlementRequest) (*types.Settlement, error) {
	leg := types.LegRequest{
		FromParticipant: initiator,
		FromAccount:     req.FromAccount,
		ToParticipant:   req.ToParticipant,
		ToAccount:       req.ToAccount,
		Amount:          req.Amount,
		Currency:        req.Currency,
		FxInstruction:   req.FxInstruction,
	}
	return s.SubmitMulti(ctx, initiator, idempotencyKey, types.MultiSettlementRequest{
		Legs:           []types.LegRequest{leg},
		Purpose:        req.Purpose,
		RemittanceInfo: req.RemittanceInfo,
		Metadata:       req.Metadata,
	})
}

// SubmitMulti creates a settlement from explicit legs. All legs commit
// atomically.
func (s *Service) SubmitMulti(ctx context.Context, initiator, idempotencyKey string, req types.MultiSettlementRequest) (*types.Settlement, error) {
	logger := log.With().
		Str("initiator", initiator).
		Str("service", "settlement").
		Logger()

	settlement, err := buildSettlement(initiator, idempotencyKey, req)
	if err != nil {
		logger.Warn().Err(err).Msg("settlement request rejected")
		return nil, err
	}

	hash := requestHash(settlement)
	if existing, err := s.resolveIdempotency(settlement.IdempotencyKey, hash); err != nil {
		return nil, err
	} else if existing != nil {
		logger.Info().
			Str("settlement_id", existing.SettlementID).
			Msg("idempotent replay, returning existing settlement")
		return existing, nil
	}

	record := &IdempotencyRecord{
		IdempotencyKey: settlement.IdempotencyKey,
		SettlementID:   settlement.SettlementID,
		RequestHash:    hash,
		ExpiresAt:      time.Now().Add(s.cfg.IdempotencyWindow),
	}
	if err := s.db.CreateSettlementWithIdempotency(settlement, record); err != nil {
		// A concurrent replay can win the unique-key race; resolve again.
		if existing, rerr := s.resolveIdempotency(settlement.IdempotencyKey, hash); rerr == nil && existing != nil {
			return existing, nil
		}
		logger.Error().Err(err).Msg("failed to create settlement")
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}

	logger.Info().
		Str("settlement_id", settlement.SettlementID).
		Int("legs", len(settlement.Legs)).
		Msg("settlement accepted")

	go s.orchestrator.Process(context.WithoutCancel(ctx), settlement)
	return settlement, nil
}

// WaitTerminal polls until the settlement reaches a terminal status or the
// timeout elapses, returning the latest persisted state either way.
func (s *Service) WaitTerminal(ctx context.Context, settlementID string, timeout time.Duration) (*types.Settlement, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(terminalPollInterval)
	defer ticker.Stop()

	for {
		settlement, err := s.db.GetSettlement(settlementID)
		if err != nil {
			return nil, err
		}
		if settlement != nil && types.IsFinal(settlement.Status) {
			return settlement, nil
		}
		if time.Now().After(deadline) {
			return settlement, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return settlement, ctx.Err()
		}
	}
}

// GetSettlement returns a settlement by id, or nil when unknown.
func (s *Service) GetSettlement(settlementID string) (*types.Settlement, error) {
	return s.db.GetSettlement(settlementID)
}

// ListSettlements returns a participant's settlements, newest first.
func (s *Service) ListSettlements(participantID string, status types.Status, limit, offset int) ([]types.Settlement, error) {
	return s.db.ListSettlements(participantID, status, limit, offset)
}

// Review resolves a settlement held in PENDING_REVIEW.
func (s *Service) Review(ctx context.Context, settlementID string, approve bool) (*types.Settlement, error) {
	settlement, err := s.db.GetSettlement(settlementID)
	if err != nil {
		return nil, err
	}
	if settlement == nil {
		return nil, nil
	}
	if err := s.orchestrator.Resume(context.WithoutCancel(ctx), settlement, approve); err != nil {
		return nil, err
	}
	return settlement, nil
}

func buildSettlement(initiator, idempotencyKey string, req types.MultiSettlementRequest) (*types.Settlement, error) {
	if initiator == "" {
		return nil, &types.Error{Code: types.CodeValidationError, Message: "initiator is required"}
	}
	if len(req.Legs) == 0 {
		return nil, &types.Error{Code: types.CodeValidationError, Message: "at least one leg is required", Field: "legs"}
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	legs := make([]types.SettlementLeg, 0, len(req.Legs))
	for i, lr := range req.Legs {
		leg, err := buildLeg(i+1, lr)
		if err != nil {
			return nil, err
		}
		legs = append(legs, *leg)
	}

	return &types.Settlement{
		SettlementID:   "STL_" + uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Initiator:      initiator,
		Status:         types.StatusInitiated,
		Purpose:        req.Purpose,
		RemittanceInfo: req.RemittanceInfo,
		Legs:           legs,
		Timing:         types.SettlementTiming{InitiatedAt: time.Now().UTC()},
		Metadata:       req.Metadata,
	}, nil
}

func buildLeg(legNumber int, lr types.LegRequest) (*types.SettlementLeg, error) {
	field := func(name string) string {
		return fmt.Sprintf("legs[%d].%s", legNumber-1, name)
	}

	if lr.FromParticipant == "" {
		return nil, &types.Error{Code: types.CodeValidationError, Message: "from_participant is required", Field: field("from_participant")}
	}
	if lr.ToParticipant == "" {
		return nil, &types.Error{Code: types.CodeValidationError, Message: "to_participant is required", Field: field("to_participant")}
	}
	if lr.FromParticipant == lr.ToParticipant {
		return nil, &types.Error{Code: types.CodeValidationError, Message: "a leg cannot pay a participant from itself", Field: field("to_participant")}
	}

	currency, err := money.ParseCurrency(lr.Currency)
	if err != nil {
		return nil, &types.Error{Code: types.CodeValidationError, Message: err.Error(), Field: field("currency")}
	}
	amount, err := money.FromString(lr.Amount, currency)
	if err != nil {
		return nil, &types.Error{Code: types.CodeValidationError, Message: fmt.Sprintf("invalid amount: %s", lr.Amount), Field: field("amount")}
	}
	if !amount.IsPositive() {
		return nil, &types.Error{Code: types.CodeValidationError, Message: "amount must be positive", Field: field("amount")}
	}
	if !amount.FitsCurrency() {
		return nil, &types.Error{
			Code:    types.CodeValidationError,
			Message: fmt.Sprintf("amount %s exceeds %s's %d decimal places", lr.Amount, currency, money.DecimalPlaces(currency)),
			Field:   field("amount"),
		}
	}

	destCurrency := money.Currency("")
	if lr.FxInstruction != nil && lr.FxInstruction.TargetCurrency != "" {
		destCurrency, err = money.ParseCurrency(string(lr.FxInstruction.TargetCurrency))
		if err != nil {
			return nil, &types.Error{Code: types.CodeValidationError, Message: err.Error(), Field: field("fx_instruction.target_currency")}
		}
	}

	fromAccount := lr.FromAccount
	if fromAccount == "" {
		fromAccount = defaultAccount(lr.FromParticipant)
	}
	toAccount := lr.ToAccount
	if toAccount == "" {
		toAccount = defaultAccount(lr.ToParticipant)
	}

	return &types.SettlementLeg{
		LegNumber:       legNumber,
		FromParticipant: lr.FromParticipant,
		FromAccount:     fromAccount,
		ToParticipant:   lr.ToParticipant,
		ToAccount:       toAccount,
		Amount:          amount,
		DestCurrency:    destCurrency,
		FxInstruction:   lr.FxInstruction,
	}, nil
}

func defaultAccount(participantID string) string {
	return "ACC_" + participantID
}

// GinHandlers contains HTTP handlers for settlement endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) submit(c *gin.Context, submit func(initiator, key string) (*types.Settlement, error)) {
	initiator := c.GetString("participant_id")
	key := c.GetHeader("Idempotency-Key")

	settlement, err := submit(initiator, key)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}

	if c.Query("wait") == "true" && !types.IsFinal(settlement.Status) {
		waited, err := h.service.WaitTerminal(c.Request.Context(), settlement.SettlementID, h.service.cfg.SettlementTimeout)
		if err == nil && waited != nil {
			settlement = waited
		}
	}

	if types.IsFinal(settlement.Status) {
		response.Success(c, settlement)
		return
	}
	response.Accepted(c, settlement)
}

// SubmitSettlementHandler accepts a single-transfer settlement. Pass
// ?wait=true to block until a terminal status or the settlement timeout.
func (h *GinHandlers) SubmitSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.SettlementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.submit(c, func(initiator, key string) (*types.Settlement, error) {
			return h.service.Submit(c.Request.Context(), initiator, key, req)
		})
	}
}

// SubmitMultiSettlementHandler accepts an explicit multi-leg settlement.
func (h *GinHandlers) SubmitMultiSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.MultiSettlementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.submit(c, func(initiator, key string) (*types.Settlement, error) {
			return h.service.SubmitMulti(c.Request.Context(), initiator, key, req)
		})
	}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := h.service.GetSettlement(c.Param("settlement_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if settlement == nil {
			response.NotFound(c, "settlement not found")
			return
		}
		response.Success(c, settlement)
	}
}

// ListSettlementsHandler lists the caller's settlements. Supports status,
// limit, and offset query parameters.
func (h *GinHandlers) ListSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		participantID := c.GetString("participant_id")
		status := types.Status(strings.ToUpper(c.Query("status")))
		limit := intQuery(c, "limit", 50)
		offset := intQuery(c, "offset", 0)

		settlements, err := h.service.ListSettlements(participantID, status, limit, offset)
		response.Handle(c, settlements, err)
	}
}

// ReviewSettlementHandler approves or denies a settlement held for review.
func (h *GinHandlers) ReviewSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Approve bool `json:"approve"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		settlement, err := h.service.Review(c.Request.Context(), c.Param("settlement_id"), req.Approve)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if settlement == nil {
			response.NotFound(c, "settlement not found")
			return
		}
		response.Success(c, gin.H{
			"settlement_id": settlement.SettlementID,
			"approved":      req.Approve,
		})
	}
}

// GetBalancesHandler returns every currency balance for the caller.
func (h *GinHandlers) GetBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		participantID := c.Param("participant_id")
		if participantID == "" {
			participantID = c.GetString("participant_id")
		}
		balances, err := h.service.ledger.GetBalances(participantID)
		response.Handle(c, balances, err)
	}
}

// GetBalanceHandler returns one (participant, currency) balance.
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		currency, err := money.ParseCurrency(c.Param("currency"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		balance, lerr := h.service.ledger.GetBalance(c.GetString("participant_id"), currency)
		response.Handle(c, balance, lerr)
	}
}

// GetJournalHandler returns the journal trail for a settlement.
func (h *GinHandlers) GetJournalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.service.ledger.GetSettlementEntries(c.Param("settlement_id"))
		response.Handle(c, entries, err)
	}
}

// VerifyIntegrityHandler checks that journal debits equal credits per currency.
func (h *GinHandlers) VerifyIntegrityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balanced, err := h.service.ledger.VerifyIntegrity()
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"balanced": balanced})
	}
}

// CreateParticipantHandler registers a settlement network member.
func (h *GinHandlers) CreateParticipantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ParticipantID string `json:"participant_id" binding:"required"`
			Name          string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		participant := &types.Participant{
			ParticipantID: req.ParticipantID,
			Name:          req.Name,
			Status:        types.ParticipantActive,
		}
		if err := h.service.db.CreateParticipant(participant); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, participant)
	}
}

// UpdateParticipantStatusHandler moves a participant between ACTIVE,
// SUSPENDED, and OFFLINE.
func (h *GinHandlers) UpdateParticipantStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		status := strings.ToUpper(req.Status)
		switch status {
		case types.ParticipantActive, types.ParticipantSuspended, types.ParticipantOffline:
		default:
			response.BadRequest(c, "status must be ACTIVE, SUSPENDED, or OFFLINE")
			return
		}

		if err := h.service.db.UpdateParticipantStatus(c.Param("participant_id"), status); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"participant_id": c.Param("participant_id"), "status": status})
	}
}

func (h *GinHandlers) ListParticipantsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		participants, err := h.service.db.ListParticipants()
		response.Handle(c, participants, err)
	}
}

// DepositHandler funds a participant balance from the coordinator treasury.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Amount   string `json:"amount" binding:"required"`
			Currency string `json:"currency" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		currency, err := money.ParseCurrency(req.Currency)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		amount, err := money.FromString(req.Amount, currency)
		if err != nil {
			response.BadRequest(c, fmt.Sprintf("invalid amount: %s", req.Amount))
			return
		}

		if err := h.service.ledger.Deposit(c.Param("participant_id"), amount); err != nil {
			response.Handle(c, nil, err)
			return
		}

		balance, err := h.service.ledger.GetBalance(c.Param("participant_id"), currency)
		response.Handle(c, balance, err)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
