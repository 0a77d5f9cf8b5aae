package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/store"
)

// maxPayloadBytes bounds webhook request bodies.
const maxPayloadBytes = 5 << 20

// dedupCacheSize is how many recent delivery ids we remember.
const dedupCacheSize = 1024

// routedPRActions are the pull request actions forwarded to sinks.
var routedPRActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// Sink receives routed webhook events. The pipeline trigger and the
// dashboard notifier both implement it.
type Sink interface {
	HandlePullRequest(ctx context.Context, event *models.WebhookEvent) error
	HandlePush(ctx context.Context, event *models.WebhookEvent) error
}

// Ingress verifies, persists, and routes GitHub webhook deliveries.
type Ingress struct {
	secret  []byte
	store   store.Store
	sinks   []Sink
	dedup   *lru.Cache[string, struct{}]
	timeout time.Duration
}

// NewIngress creates a webhook ingress with the given shared secret.
func NewIngress(secret string, st store.Store, timeout time.Duration) (*Ingress, error) {
	cache, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Ingress{
		secret:  []byte(secret),
		store:   st,
		dedup:   cache,
		timeout: timeout,
	}, nil
}

// AddSink registers a sink. Sinks are invoked in registration order.
func (in *Ingress) AddSink(s Sink) {
	in.sinks = append(in.sinks, s)
}

// HandleGitHub is the POST /webhooks/github handler. The signature is
// verified over the raw body before any parsing happens.
func (in *Ingress) HandleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	if err := VerifySignature(in.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	// Fast duplicate check before touching the database
	if _, seen := in.dedup.Get(deliveryID); seen {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate", "delivery_id": deliveryID})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	payload := gjson.ParseBytes(body)
	action := payload.Get("action").String()

	event := &models.WebhookEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     action,
		ProjectID:  in.matchProject(r.Context(), payload),
		Payload:    string(body),
	}
	if err := in.store.CreateWebhookEvent(r.Context(), event); err != nil {
		// A unique constraint hit means a concurrent duplicate delivery
		slog.Warn("persist webhook event", "delivery", deliveryID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate", "delivery_id": deliveryID})
		return
	}
	in.dedup.Add(deliveryID, struct{}{})

	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()
	if err := in.route(ctx, event); err != nil {
		// Leave the event unprocessed so it can be replayed
		slog.Error("route webhook event", "delivery", deliveryID, "type", eventType, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stored", "id": event.ID})
		return
	}

	if err := in.store.MarkWebhookEventProcessed(r.Context(), event.ID); err != nil {
		slog.Warn("mark webhook event processed", "id", event.ID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed", "id": event.ID})
}

// HandleHealth is the GET /webhooks/health handler.
func (in *Ingress) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Replay re-routes a stored event by id. The original signature was already
// verified on ingress, so the persisted payload is trusted as-is.
func (in *Ingress) Replay(ctx context.Context, eventID string) error {
	event, err := in.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if err := in.route(ctx, event); err != nil {
		return fmt.Errorf("replay event %s: %w", eventID, err)
	}
	if err := in.store.MarkWebhookEventProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("mark replayed event processed: %w", err)
	}
	return nil
}

// route dispatches an event to every sink. Pull request events are only
// forwarded for the actions that can affect a validation pipeline.
func (in *Ingress) route(ctx context.Context, event *models.WebhookEvent) error {
	switch event.EventType {
	case "pull_request":
		if !routedPRActions[event.Action] {
			return nil
		}
		for _, s := range in.sinks {
			if err := s.HandlePullRequest(ctx, event); err != nil {
				return err
			}
		}
	case "push":
		for _, s := range in.sinks {
			if err := s.HandlePush(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

// matchProject looks up the project owning the event's repository, if any.
func (in *Ingress) matchProject(ctx context.Context, payload gjson.Result) string {
	repoURL := payload.Get("repository.html_url").String()
	if repoURL == "" {
		repoURL = payload.Get("repository.clone_url").String()
	}
	if repoURL == "" {
		return ""
	}
	p, err := in.store.GetProjectByRepoURL(ctx, repoURL)
	if err != nil {
		return ""
	}
	return p.ID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
