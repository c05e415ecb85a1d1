package httpapi

import (
	"net/http"

	"github.com/kazz187/storyguild/internal/pushnotification"
	"github.com/kazz187/storyguild/pkg/cerr"
)

type vapidPublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) vapidPublicKey(w http.ResponseWriter, r *http.Request) {
	if !s.deps.VAPID.Configured() {
		cerr.SetNewJSONError(r.Context(), cerr.FailedPrecondition, "VAPID keys not configured", nil)
		return
	}
	cerr.SetJSONResponse(r.Context(), vapidPublicKeyResponse{PublicKey: s.deps.VAPID.VAPIDPublicKey})
}

type subscriptionRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

func (s *Server) registerSubscription(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		cerr.SetNewJSONError(r.Context(), cerr.FailedPrecondition, "push subscriptions are not configured", nil)
		return
	}
	var req subscriptionRequest
	if !decode(r, &req) {
		return
	}
	sub, err := s.deps.Subscriptions.Register(r.Context(), req.Endpoint, req.P256dhKey, req.AuthKey)
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), idResponse{ID: sub.ID})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) unregisterSubscription(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		cerr.SetNewJSONError(r.Context(), cerr.FailedPrecondition, "push subscriptions are not configured", nil)
		return
	}
	var req unsubscribeRequest
	if !decode(r, &req) {
		return
	}
	if err := s.deps.Subscriptions.Unregister(r.Context(), req.Endpoint); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), okResponse{OK: true})
}

type sendTestResponse struct {
	Sent int `json:"sent"`
}

func (s *Server) sendTestNotification(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		cerr.SetNewJSONError(r.Context(), cerr.FailedPrecondition, "push notifications are not configured", nil)
		return
	}
	sent := s.deps.Notifier.SendToAll(r.Context(), &pushnotification.NotificationPayload{
		Title: "storyguild",
		Body:  "Push notifications are working!",
	})
	cerr.SetJSONResponse(r.Context(), sendTestResponse{Sent: sent})
}
