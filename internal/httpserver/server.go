package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/studiokit/booking/pkg/booking"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Run boots the HTTP API using the supplied configuration and booking service.
func Run(ctx context.Context, cfg Config, service *booking.Service, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
		metrics: newAPIMetrics(),
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("studiod listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(handler.metrics.handler()))

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.POST("/occurrences/:id/bookings", handler.handleBook)
	api.GET("/occurrences/:id/availability", handler.handleAvailability)
	api.POST("/registrations/:id/cancel", handler.handleCancel)
	api.GET("/wallet", handler.handleWallet)

	staff := api.Group("")
	staff.Use(handler.requireStaff)
	staff.POST("/occurrences", handler.handleSchedule)
	staff.POST("/clients/:id/passes", handler.handleGrantPass)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *booking.Service
	cfg     Config
	metrics *apiMetrics
}

func (handler *httpHandler) requireStaff(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !handler.cfg.IsStaff(claims.GetUserEmail()) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "staff access required"))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"staff":   handler.cfg.IsStaff(claims.GetUserEmail()),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleBook(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	occurrenceID, err := booking.NewOccurrenceID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_occurrence_id", "occurrence id is required"))
		return
	}
	clientID, err := booking.NewClientID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	registration, err := handler.service.Book(ctx.Request.Context(), occurrenceID, clientID)
	if err != nil {
		handler.metrics.bookings.WithLabelValues("error").Inc()
		handler.respondDomainError(ctx, err)
		return
	}
	handler.metrics.bookings.WithLabelValues(registration.Status.String()).Inc()
	ctx.JSON(http.StatusCreated, gin.H{"registration": registrationPayloadFrom(registration)})
}

func (handler *httpHandler) handleAvailability(ctx *gin.Context) {
	occurrenceID, err := booking.NewOccurrenceID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_occurrence_id", "occurrence id is required"))
		return
	}
	availability, err := handler.service.Availability(ctx.Request.Context(), occurrenceID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"availability": availabilityPayload{
		Capacity:       availability.Capacity,
		BookedCount:    availability.BookedCount,
		AvailableSpots: availability.AvailableSpots,
	}})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	registrationID, err := booking.NewRegistrationID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_registration_id", "registration id is required"))
		return
	}
	clientID, err := booking.NewClientID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var outcome booking.CancelOutcome
	if handler.cfg.IsStaff(claims.GetUserEmail()) {
		outcome, err = handler.service.Cancel(ctx.Request.Context(), registrationID)
	} else {
		outcome, err = handler.service.CancelFor(ctx.Request.Context(), registrationID, clientID)
	}
	if err != nil {
		handler.metrics.cancellations.WithLabelValues("error").Inc()
		handler.respondDomainError(ctx, err)
		return
	}
	handler.metrics.cancellations.WithLabelValues("cancelled").Inc()
	response := gin.H{"status": "cancelled", "refunded": outcome.Refunded}
	if outcome.PromotedClient != nil {
		response["promoted_client_id"] = outcome.PromotedClient.String()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	clientID, err := booking.NewClientID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	wallet, err := handler.service.PassBalance(ctx.Request.Context(), clientID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	entries, err := handler.service.History(ctx.Request.Context(), clientID, 0, walletHistoryLimit)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletPayloadFrom(wallet, entries)})
}

func (handler *httpHandler) handleSchedule(ctx *gin.Context) {
	var request scheduleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	occurrence, err := handler.service.ScheduleOccurrence(ctx.Request.Context(), booking.Occurrence{
		Status:          booking.OccurrenceStatus(request.Status),
		Capacity:        request.Capacity,
		CreditCost:      request.CreditCost,
		StartsAtUnixUTC: request.StartsAtUnixUTC,
		EndsAtUnixUTC:   request.EndsAtUnixUTC,
	})
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"occurrence": occurrencePayloadFrom(occurrence)})
}

func (handler *httpHandler) handleGrantPass(ctx *gin.Context) {
	clientID, err := booking.NewClientID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_client_id", "client id is required"))
		return
	}
	var request grantPassRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	credits, err := booking.NewCredits(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", "credits must be greater than zero"))
		return
	}
	batch, err := handler.service.GrantPass(ctx.Request.Context(), clientID, credits, request.ExpiresAtUnixUTC)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	handler.metrics.passGrants.Inc()
	ctx.JSON(http.StatusCreated, gin.H{"batch": batchPayloadFrom(batch)})
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, err error) {
	statusCode, code := mapDomainError(err)
	if statusCode == http.StatusInternalServerError {
		handler.logger.Error("booking operation failed", zap.Error(err))
	}
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, booking.ErrAlreadyRegistered):
		return http.StatusConflict, "already_registered"
	case errors.Is(err, booking.ErrOccurrenceFull):
		return http.StatusConflict, "occurrence_full"
	case errors.Is(err, booking.ErrNoActiveRegistration):
		return http.StatusConflict, "no_active_registration"
	case errors.Is(err, booking.ErrCancellationWindowPassed):
		return http.StatusConflict, "cancellation_window_passed"
	case errors.Is(err, booking.ErrOccurrenceCancelled):
		return http.StatusUnprocessableEntity, "occurrence_cancelled"
	case errors.Is(err, booking.ErrOccurrencePast):
		return http.StatusUnprocessableEntity, "occurrence_past"
	case errors.Is(err, booking.ErrOccurrenceNotFound):
		return http.StatusNotFound, "occurrence_not_found"
	case errors.Is(err, booking.ErrRegistrationNotFound):
		return http.StatusNotFound, "registration_not_found"
	case errors.Is(err, booking.ErrNoUsableCredit):
		return http.StatusPaymentRequired, "no_usable_credit"
	case errors.Is(err, booking.ErrInvalidCapacity),
		errors.Is(err, booking.ErrInvalidCredits),
		errors.Is(err, booking.ErrInvalidSchedule),
		errors.Is(err, booking.ErrInvalidOccurrenceStatus):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type scheduleRequest struct {
	Status          string `json:"status"`
	Capacity        int    `json:"capacity"`
	CreditCost      int64  `json:"credit_cost"`
	StartsAtUnixUTC int64  `json:"starts_at_unix_utc"`
	EndsAtUnixUTC   int64  `json:"ends_at_unix_utc"`
}

type grantPassRequest struct {
	Credits          int64 `json:"credits"`
	ExpiresAtUnixUTC int64 `json:"expires_at_unix_utc"`
}

type registrationPayload struct {
	RegistrationID  string `json:"registration_id"`
	OccurrenceID    string `json:"occurrence_id"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	CreditsUsed     int64  `json:"credits_used"`
	BookedAtUnixUTC int64  `json:"booked_at_unix_utc"`
}

type availabilityPayload struct {
	Capacity       int `json:"capacity"`
	BookedCount    int `json:"booked_count"`
	AvailableSpots int `json:"available_spots"`
}

type occurrencePayload struct {
	OccurrenceID    string `json:"occurrence_id"`
	Status          string `json:"status"`
	Capacity        int    `json:"capacity"`
	CreditCost      int64  `json:"credit_cost"`
	StartsAtUnixUTC int64  `json:"starts_at_unix_utc"`
	EndsAtUnixUTC   int64  `json:"ends_at_unix_utc"`
}

type batchPayload struct {
	BatchID            string `json:"batch_id"`
	TotalCredits       int64  `json:"total_credits"`
	CreditsLeft        int64  `json:"credits_left"`
	ExpiresAtUnixUTC   int64  `json:"expires_at_unix_utc"`
	PurchasedAtUnixUTC int64  `json:"purchased_at_unix_utc"`
	Status             string `json:"status"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	RegistrationID string `json:"registration_id"`
	Kind           string `json:"kind"`
	Credits        int64  `json:"credits"`
	Amount         string `json:"amount"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type walletPayload struct {
	Batches       []batchPayload `json:"batches"`
	UnpaidBalance string         `json:"unpaid_balance"`
	Entries       []entryPayload `json:"entries"`
}

func registrationPayloadFrom(registration booking.Registration) registrationPayload {
	return registrationPayload{
		RegistrationID:  registration.ID.String(),
		OccurrenceID:    registration.OccurrenceID.String(),
		Status:          registration.Status.String(),
		PaymentStatus:   registration.PaymentStatus.String(),
		CreditsUsed:     registration.CreditsUsed,
		BookedAtUnixUTC: registration.BookedAtUnixUTC,
	}
}

func occurrencePayloadFrom(occurrence booking.Occurrence) occurrencePayload {
	return occurrencePayload{
		OccurrenceID:    occurrence.ID.String(),
		Status:          occurrence.Status.String(),
		Capacity:        occurrence.Capacity,
		CreditCost:      occurrence.CreditCost,
		StartsAtUnixUTC: occurrence.StartsAtUnixUTC,
		EndsAtUnixUTC:   occurrence.EndsAtUnixUTC,
	}
}

func batchPayloadFrom(batch booking.CreditBatch) batchPayload {
	return batchPayload{
		BatchID:            batch.ID.String(),
		TotalCredits:       batch.TotalCredits,
		CreditsLeft:        batch.CreditsLeft,
		ExpiresAtUnixUTC:   batch.ExpiresAtUnixUTC,
		PurchasedAtUnixUTC: batch.PurchasedAtUnixUTC,
		Status:             batch.Status.String(),
	}
}

func walletPayloadFrom(wallet booking.Wallet, entries []booking.CreditEntry) walletPayload {
	batches := make([]batchPayload, 0, len(wallet.Batches))
	for _, batch := range wallet.Batches {
		batches = append(batches, batchPayloadFrom(batch))
	}
	entryPayloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		entryPayloads = append(entryPayloads, entryPayload{
			EntryID:        entry.ID.String(),
			RegistrationID: entry.RegistrationID.String(),
			Kind:           entry.Kind.String(),
			Credits:        entry.Credits,
			Amount:         entry.Amount.StringFixed(2),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return walletPayload{
		Batches:       batches,
		UnpaidBalance: wallet.UnpaidBalance.StringFixed(2),
		Entries:       entryPayloads,
	}
}
