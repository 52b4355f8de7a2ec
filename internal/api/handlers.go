package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
	"github.com/payos-hq/payos/internal/engine"
	"github.com/payos-hq/payos/internal/store"
)

// Handler wires the protocol operations and the read surfaces onto HTTP.
type Handler struct {
	engine   *engine.Engine
	store    store.Store
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler builds the HTTP handler set.
func NewHandler(e *engine.Engine, s store.Store, logger *slog.Logger) *Handler {
	return &Handler{
		engine:   e,
		store:    s,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router assembles all routes, the health probe and the metrics endpoint.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(instrument)

	v1.HandleFunc("/wallets", h.CreateWallet).Methods("POST")
	v1.HandleFunc("/wallets/{id}", h.GetWallet).Methods("GET")
	v1.HandleFunc("/endpoints", h.CreateEndpoint).Methods("POST")
	v1.HandleFunc("/endpoints/{id}", h.GetEndpoint).Methods("GET")
	v1.HandleFunc("/endpoints/{id}/status", h.UpdateEndpointStatus).Methods("PATCH")

	v1.HandleFunc("/x402/endpoints/{id}/quote", h.Quote).Methods("GET")
	v1.HandleFunc("/x402/pay", h.Pay).Methods("POST")
	v1.HandleFunc("/x402/verify", h.Verify).Methods("POST")

	v1.HandleFunc("/ap2/mandates", h.CreateMandate).Methods("POST")
	v1.HandleFunc("/ap2/mandates/{id}", h.GetMandate).Methods("GET")
	v1.HandleFunc("/ap2/mandates/{id}/executions", h.ListMandateExecutions).Methods("GET")
	v1.HandleFunc("/ap2/mandates/{id}/execute", h.ExecuteMandate).Methods("POST")
	v1.HandleFunc("/ap2/mandates/{id}/cancel", h.CancelMandate).Methods("POST")

	v1.HandleFunc("/acp/checkouts", h.CreateCheckout).Methods("POST")
	v1.HandleFunc("/acp/checkouts/{id}", h.GetCheckout).Methods("GET")
	v1.HandleFunc("/acp/checkouts/{id}/complete", h.CompleteCheckout).Methods("POST")
	v1.HandleFunc("/acp/checkouts/{id}/cancel", h.CancelCheckout).Methods("POST")

	v1.HandleFunc("/transfers", h.ListTransfers).Methods("GET")
	v1.HandleFunc("/transfers/{id}", h.GetTransfer).Methods("GET")

	return r
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondBadRequest(w, "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondBadRequest(w, err.Error())
		return false
	}
	return true
}

type createWalletRequest struct {
	AccountID string                `json:"account_id" validate:"required"`
	Currency  string                `json:"currency" validate:"required,len=3"`
	Balance   decimal.Decimal       `json:"balance"`
	Policy    domain.SpendingPolicy `json:"policy"`
}

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Balance.IsNegative() {
		respondBadRequest(w, "balance must be non-negative")
		return
	}

	now := time.Now().UTC()
	wallet := &domain.Wallet{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Currency:  req.Currency,
		Balance:   req.Balance,
		Policy:    req.Policy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateWallet(r.Context(), wallet); err != nil {
		h.logger.Error("wallet create failed", "error", err)
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, wallet)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.store.GetWallet(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, domain.NewError(domain.KindNotFound, domain.CodeWalletNotFound, "wallet not found"))
		return
	}
	respondWithJSON(w, http.StatusOK, wallet)
}

type createEndpointRequest struct {
	ProviderWalletID string             `json:"provider_wallet_id" validate:"required"`
	Name             string             `json:"name" validate:"required"`
	Price            decimal.Decimal    `json:"price"`
	Currency         string             `json:"currency" validate:"required,len=3"`
	Tiers            []domain.PriceTier `json:"tiers"`
}

func (h *Handler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Price.IsNegative() {
		respondBadRequest(w, "price must be non-negative")
		return
	}

	now := time.Now().UTC()
	ep := &domain.Endpoint{
		ID:               uuid.NewString(),
		ProviderWalletID: req.ProviderWalletID,
		Name:             req.Name,
		Price:            req.Price,
		Currency:         req.Currency,
		Tiers:            req.Tiers,
		TotalRevenue:     decimal.Zero,
		Status:           domain.EndpointActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.store.CreateEndpoint(r.Context(), ep); err != nil {
		h.logger.Error("endpoint create failed", "error", err)
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, ep)
}

func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := h.store.GetEndpoint(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, domain.NewError(domain.KindNotFound, domain.CodeEndpointNotFound, "endpoint not found"))
		return
	}
	respondWithJSON(w, http.StatusOK, ep)
}

type updateEndpointStatusRequest struct {
	Status domain.EndpointStatus `json:"status" validate:"required,oneof=active paused disabled"`
}

func (h *Handler) UpdateEndpointStatus(w http.ResponseWriter, r *http.Request) {
	var req updateEndpointStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	ep, err := h.store.UpdateEndpointStatus(r.Context(), mux.Vars(r)["id"], req.Status, time.Now().UTC())
	if err != nil {
		respondWithDomainError(w, domain.NewError(domain.KindNotFound, domain.CodeEndpointNotFound, "endpoint not found"))
		return
	}
	respondWithJSON(w, http.StatusOK, ep)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	quote, err := h.engine.Quote(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("wallet_id"))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, quote)
}

type payRequest struct {
	EndpointID string          `json:"endpoint_id" validate:"required"`
	RequestID  string          `json:"request_id" validate:"required"`
	WalletID   string          `json:"wallet_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.Pay(r.Context(), engine.PayRequest{
		EndpointID: req.EndpointID,
		RequestID:  req.RequestID,
		WalletID:   req.WalletID,
		Amount:     req.Amount,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondWithJSON(w, status, res)
}

type verifyRequest struct {
	RequestID  string `json:"request_id" validate:"required"`
	TransferID string `json:"transfer_id" validate:"required"`
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	valid, err := h.engine.Verify(r.Context(), req.RequestID, req.TransferID)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

type createMandateRequest struct {
	WalletID         string          `json:"wallet_id" validate:"required"`
	PayeeWalletID    string          `json:"payee_wallet_id" validate:"required"`
	AuthorizedAmount decimal.Decimal `json:"authorized_amount"`
	ExpiresAt        *time.Time      `json:"expires_at"`
}

func (h *Handler) CreateMandate(w http.ResponseWriter, r *http.Request) {
	var req createMandateRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.engine.CreateMandate(r.Context(), engine.CreateMandateParams{
		WalletID:         req.WalletID,
		PayeeWalletID:    req.PayeeWalletID,
		AuthorizedAmount: req.AuthorizedAmount,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, m)
}

func (h *Handler) GetMandate(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.GetMandate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, m)
}

func (h *Handler) ListMandateExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.engine.ListMandateExecutions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

type executeMandateRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id"`
	Proof     string          `json:"proof"`
}

func (h *Handler) ExecuteMandate(w http.ResponseWriter, r *http.Request) {
	var req executeMandateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.ExecuteMandate(r.Context(), engine.ExecuteMandateRequest{
		MandateID: mux.Vars(r)["id"],
		Amount:    req.Amount,
		RequestID: req.RequestID,
		Proof:     req.Proof,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondWithJSON(w, status, res)
}

func (h *Handler) CancelMandate(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.CancelMandate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, m)
}

type checkoutItemRequest struct {
	Name      string          `json:"name" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type createCheckoutRequest struct {
	WalletID         string                `json:"wallet_id" validate:"required"`
	MerchantWalletID string                `json:"merchant_wallet_id" validate:"required"`
	Items            []checkoutItemRequest `json:"items" validate:"required,min=1,dive"`
	Tax              decimal.Decimal       `json:"tax"`
	Shipping         decimal.Decimal       `json:"shipping"`
	Discount         decimal.Decimal       `json:"discount"`
	ExpiresAt        *time.Time            `json:"expires_at"`
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	items := make([]engine.CheckoutItemParams, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, engine.CheckoutItemParams{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	c, err := h.engine.CreateCheckout(r.Context(), engine.CreateCheckoutParams{
		WalletID:         req.WalletID,
		MerchantWalletID: req.MerchantWalletID,
		Items:            items,
		Tax:              req.Tax,
		Shipping:         req.Shipping,
		Discount:         req.Discount,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetCheckout(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

type completeCheckoutRequest struct {
	PaymentToken string `json:"payment_token" validate:"required"`
	RequestID    string `json:"request_id"`
}

func (h *Handler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	var req completeCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.CompleteCheckout(r.Context(), engine.CompleteCheckoutRequest{
		CheckoutID:   mux.Vars(r)["id"],
		PaymentToken: req.PaymentToken,
		RequestID:    req.RequestID,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondWithJSON(w, status, res)
}

func (h *Handler) CancelCheckout(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.CancelCheckout(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.GetTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	transfers, err := h.engine.ListTransfers(r.Context(),
		domain.Protocol(r.URL.Query().Get("protocol")), limit)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}
