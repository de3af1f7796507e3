package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/service"
)

// CreateCryptoPayment handles payment window creation requests
func CreateCryptoPayment(paymentService *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateCryptoPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode create payment request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		resp, err := paymentService.CreateCryptoPayment(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to create crypto payment", zap.Error(err))
			writePaymentError(w, err, "Failed to create crypto payment")
			return
		}

		logger.Info("Crypto payment created",
			zap.String("payment_id", resp.PaymentID.String()),
			zap.String("user_id", req.UserID),
			zap.String("network", string(resp.Network)),
		)

		writeJSONResponse(w, http.StatusCreated, resp)
	}
}

// VerifyCryptoTransaction handles transaction hash submissions
func VerifyCryptoTransaction(paymentService *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.VerifyCryptoTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode verify transaction request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		resp, err := paymentService.VerifyCryptoTransaction(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to verify crypto transaction",
				zap.String("payment_id", req.PaymentID),
				zap.Error(err),
			)
			writePaymentError(w, err, "Failed to verify crypto transaction")
			return
		}

		logger.Info("Crypto transaction verified",
			zap.String("payment_id", req.PaymentID),
			zap.Int64("quota_added", resp.QuotaAdded),
			zap.Bool("already_processed", resp.AlreadyProcessed),
		)

		writeJSONResponse(w, http.StatusOK, resp)
	}
}

// GetCryptoPaymentStatus handles payment status requests
func GetCryptoPaymentStatus(paymentService *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paymentIDStr := chi.URLParam(r, "paymentID")
		paymentID, err := uuid.Parse(paymentIDStr)
		if err != nil {
			logger.Error("Invalid payment ID", zap.String("payment_id", paymentIDStr), zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid payment ID", err)
			return
		}

		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "user_id query parameter is required", nil)
			return
		}

		resp, err := paymentService.GetCryptoPaymentStatus(r.Context(), userID, paymentID)
		if err != nil {
			logger.Error("Failed to get payment status",
				zap.String("payment_id", paymentIDStr),
				zap.Error(err),
			)
			writePaymentError(w, err, "Failed to get payment status")
			return
		}

		writeJSONResponse(w, http.StatusOK, resp)
	}
}

// ListCryptoPayments handles payment history requests
func ListCryptoPayments(paymentService *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "user_id query parameter is required", nil)
			return
		}

		limit := 20
		offset := 0
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
				limit = parsed
			}
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
				offset = parsed
			}
		}

		payments, err := paymentService.ListCryptoPayments(r.Context(), userID, limit, offset)
		if err != nil {
			logger.Error("Failed to list crypto payments", zap.String("user_id", userID), zap.Error(err))
			writePaymentError(w, err, "Failed to list crypto payments")
			return
		}
		if payments == nil {
			payments = []*models.PaymentRequest{}
		}

		response := map[string]interface{}{
			"payments": payments,
			"limit":    limit,
			"offset":   offset,
		}
		writeJSONResponse(w, http.StatusOK, response)
	}
}

// Helper functions

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; log and move on
		zap.L().Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}
	if err != nil {
		errorResponse["details"] = err.Error()
	}

	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		zap.L().Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// writePaymentError writes a structured payment error with the mapped
// status, or a generic 500 for anything else
func writePaymentError(w http.ResponseWriter, err error, fallback string) {
	if paymentErr, ok := err.(*models.PaymentError); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(getHTTPStatusFromPaymentError(paymentErr))
		if encodeErr := json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   paymentErr.Message,
			"code":    paymentErr.Code,
			"details": paymentErr.Details,
		}); encodeErr != nil {
			zap.L().Error("Failed to encode error response", zap.Error(encodeErr))
		}
		return
	}
	writeErrorResponse(w, http.StatusInternalServerError, fallback, err)
}

// getHTTPStatusFromPaymentError maps payment errors to HTTP status codes
func getHTTPStatusFromPaymentError(err *models.PaymentError) int {
	switch err.Code {
	case models.ErrCodePaymentNotFound, models.ErrCodePlanNotFound, models.ErrCodeUserNotFound:
		return http.StatusNotFound
	case models.ErrCodeDuplicateHash, models.ErrCodeAlreadyProcessed:
		return http.StatusConflict
	case models.ErrCodePaymentExpired:
		return http.StatusGone
	case models.ErrCodeValidationFailed, models.ErrCodeUnsupportedNetwork,
		models.ErrCodeInsufficientAmount, models.ErrCodePlanInactive:
		return http.StatusBadRequest
	case models.ErrCodeForbidden:
		return http.StatusForbidden
	case models.ErrCodeVerificationFailed:
		return http.StatusUnprocessableEntity
	case models.ErrCodeUpstreamUnavailable, models.ErrCodeRateUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
