package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"phone-auth-service/internal/models"
	"phone-auth-service/internal/service"
	"phone-auth-service/internal/token"
	"phone-auth-service/internal/util"
)

const (
	minPasswordLength = 6
	maxBodyBytes      = 1 << 16
)

// AuthHandler handles HTTP requests for verification codes, registration
// and login.
type AuthHandler struct {
	verification *service.VerificationService
	accounts     *service.AccountService
	tokens       *token.Issuer
	logger       *zap.Logger
}

func NewAuthHandler(
	verification *service.VerificationService,
	accounts *service.AccountService,
	tokens *token.Issuer,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		verification: verification,
		accounts:     accounts,
		tokens:       tokens,
		logger:       logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type CodeSentData struct {
	ExpiresIn int       `json:"expiresIn"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SessionData struct {
	UserID    string `json:"userId"`
	Phone     string `json:"phone"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// Clients send either the short or the long field names.
type sendCodeRequest struct {
	Phone       string `json:"phone"`
	PhoneNumber string `json:"phoneNumber"`
}

type registerRequest struct {
	Phone            string `json:"phone"`
	PhoneNumber      string `json:"phoneNumber"`
	Code             string `json:"code"`
	VerificationCode string `json:"verificationCode"`
	Password         string `json:"password"`
	AgreeToTerms     bool   `json:"agreeToTerms"`
}

type loginRequest struct {
	Phone            string `json:"phone"`
	PhoneNumber      string `json:"phoneNumber"`
	Password         string `json:"password"`
	Code             string `json:"code"`
	VerificationCode string `json:"verificationCode"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Get("/status", h.Status)
	router.Post("/send-verification-code", h.SendVerificationCode)
	router.Post("/register", h.Register)
	router.Post("/login", h.Login)
}

// Status lists the endpoints served under /api/auth.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"sendVerificationCode": "POST /api/auth/send-verification-code",
		"register":             "POST /api/auth/register",
		"login":                "POST /api/auth/login",
	}, "Auth service is running"))
}

func (h *AuthHandler) SendVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	phone, err := validatePhone(firstNonEmpty(req.Phone, req.PhoneNumber))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
		return
	}

	issue, err := h.verification.RequestCode(r.Context(), phone)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send verification code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(CodeSentData{
		ExpiresIn: int(issue.ExpiresIn / time.Second),
		ExpiresAt: issue.ExpiresAt,
	}, "Verification code sent"))
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req registerRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	phone, err := validatePhone(firstNonEmpty(req.Phone, req.PhoneNumber))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
		return
	}
	code := firstNonEmpty(req.Code, req.VerificationCode)
	if !util.ValidCode(code) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: code must be 6 digits", service.ErrInvalidInput), "Invalid verification code")
		return
	}
	if req.Password != "" && len(req.Password) < minPasswordLength {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: password must be at least %d characters", service.ErrInvalidInput, minPasswordLength), "Invalid password")
		return
	}

	account, err := h.accounts.Register(r.Context(), service.RegisterRequest{
		Phone:         phone,
		Code:          code,
		Password:      req.Password,
		AgreedToTerms: req.AgreeToTerms,
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Registration failed")
		return
	}

	session, err := h.session(account)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to issue token")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(session, "Registration successful"))
	h.logger.Info("Account registered via HTTP",
		util.String("account_id", account.ID),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	phone, err := validatePhone(firstNonEmpty(req.Phone, req.PhoneNumber))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
		return
	}
	code := firstNonEmpty(req.Code, req.VerificationCode)
	if strings.TrimSpace(req.Password) == "" && code != "" && !util.ValidCode(code) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: code must be 6 digits", service.ErrInvalidInput), "Invalid verification code")
		return
	}

	account, err := h.accounts.Authenticate(r.Context(), service.Credentials{
		Phone:    phone,
		Password: req.Password,
		Code:     code,
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	session, err := h.session(account)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to issue token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(session, "Login successful"))
}

func (h *AuthHandler) session(account *models.Account) (*SessionData, error) {
	signed, err := h.tokens.Issue(account.ID, account.Phone)
	if err != nil {
		return nil, err
	}
	return &SessionData{
		UserID:    account.ID,
		Phone:     account.Phone,
		Token:     signed,
		ExpiresIn: int(h.tokens.TTL() / time.Second),
	}, nil
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

func validatePhone(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: phone number is required", service.ErrInvalidInput)
	}
	if util.ContainsSuspicious(raw) {
		return "", fmt.Errorf("%w: phone number contains invalid characters", service.ErrInvalidInput)
	}
	phone := util.SanitizeInput(raw)
	if !util.ValidPhone(phone) {
		return "", fmt.Errorf("%w: phone number must be 11 digits starting with 1", service.ErrInvalidInput)
	}
	return phone, nil
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data, h.logger)
}

// respondWithError sends an error response. Internal failures are not
// echoed to the client.
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
		err = errors.New("internal server error")
	} else {
		h.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrTermsNotAccepted),
		errors.Is(err, service.ErrMissingCredential):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrWrongPassword), errors.Is(err, service.ErrCodeInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPhoneAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, service.ErrCodeExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
