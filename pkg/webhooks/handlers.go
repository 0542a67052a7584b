package webhooks

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/hookrelay/hookrelay/pkg/signature"
)

// Handlers provides the HTTP management API for subscriptions and their
// delivery logs.
type Handlers struct {
	subscriptions SubscriptionStore
	deliveries    DeliveryStore
	cipher        *signature.Cipher
}

// NewHandlers creates the management handlers.
func NewHandlers(subscriptions SubscriptionStore, deliveries DeliveryStore, cipher *signature.Cipher) *Handlers {
	return &Handlers{
		subscriptions: subscriptions,
		deliveries:    deliveries,
		cipher:        cipher,
	}
}

// RegisterRoutes registers subscription management routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/subscriptions", h.createSubscription).Methods("POST")
	router.HandleFunc("/subscriptions", h.listSubscriptions).Methods("GET")
	router.HandleFunc("/subscriptions/{id}", h.getSubscription).Methods("GET")
	router.HandleFunc("/subscriptions/{id}", h.updateSubscription).Methods("PUT")
	router.HandleFunc("/subscriptions/{id}", h.deleteSubscription).Methods("DELETE")
	router.HandleFunc("/subscriptions/{id}/activate", h.activateSubscription).Methods("POST")
	router.HandleFunc("/subscriptions/{id}/deactivate", h.deactivateSubscription).Methods("POST")
	router.HandleFunc("/subscriptions/{id}/secrets", h.rotateSecret).Methods("POST")
	router.HandleFunc("/subscriptions/{id}/deliveries", h.listDeliveries).Methods("GET")
	router.HandleFunc("/subscriptions/{id}/stats", h.deliveryStats).Methods("GET")
}

// subscriptionRequest is the write shape: secrets arrive in plaintext and
// are stored encrypted.
type subscriptionRequest struct {
	OwnerID string            `json:"owner_id"`
	URL     string            `json:"url"`
	Secret  string            `json:"secret"`
	Events  []string          `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (h *Handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Secret == "" {
		http.Error(w, "secret is required", http.StatusBadRequest)
		return
	}

	encrypted, err := h.cipher.Encrypt(req.Secret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sub := &Subscription{
		OwnerID:          req.OwnerID,
		URL:              req.URL,
		EncryptedSecrets: []string{encrypted},
		Events:           req.Events,
		Headers:          req.Headers,
	}
	if err := h.subscriptions.Create(sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}

func (h *Handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	subs, err := h.subscriptions.ListByOwner(ownerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	json.NewEncoder(w).Encode(subs)
}

func (h *Handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(sub)
}

func (h *Handlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.URL != "" {
		sub.URL = req.URL
	}
	if len(req.Events) > 0 {
		sub.Events = req.Events
	}
	if req.Headers != nil {
		sub.Headers = req.Headers
	}
	if req.Secret != "" {
		encrypted, err := h.cipher.Encrypt(req.Secret)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sub.EncryptedSecrets = []string{encrypted}
	}

	if err := h.subscriptions.Update(sub); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(sub)
}

func (h *Handlers) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.subscriptions.Delete(id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) activateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handlers) deactivateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}

	sub.Active = active
	if err := h.subscriptions.Update(sub); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(sub)
}

// rotateSecret adds a new signing secret ahead of the existing ones. Old
// secrets stay live so in-flight verifications keep working; callers
// retire them by updating the subscription with a single secret.
func (h *Handlers) rotateSecret(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Secret == "" {
		http.Error(w, "secret is required", http.StatusBadRequest)
		return
	}

	encrypted, err := h.cipher.Encrypt(req.Secret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sub.EncryptedSecrets = append([]string{encrypted}, sub.EncryptedSecrets...)
	if err := h.subscriptions.Update(sub); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}

func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	deliveries, err := h.deliveries.ListBySubscription(sub.ID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	json.NewEncoder(w).Encode(deliveries)
}

func (h *Handlers) deliveryStats(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(h.deliveries.Stats(sub.ID))
}

func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (*Subscription, bool) {
	id := mux.Vars(r)["id"]
	sub, err := h.subscriptions.Get(id)
	if err != nil {
		h.writeStoreError(w, err)
		return nil, false
	}
	return sub, true
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
