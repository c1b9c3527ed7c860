package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/dm/internal/deploy"
)

// maxWebhookBodySize caps a webhook payload. Push events with long commit
// lists stay well under it.
const maxWebhookBodySize = 32 * 1024 * 1024

// deduplicationWindow is how long delivery IDs are remembered.
const deduplicationWindow = 1 * time.Hour

// Refresher refreshes every project tracking one of repoURLs.
type Refresher interface {
	RefreshMatching(ctx context.Context, repoURLs []string, ref string) *deploy.AllResult
}

// WebhookHandler turns code host push notifications into refreshes.
//
// With a secret set, requests must carry a valid X-Hub-Signature-256
// header. Deliveries are deduplicated by X-GitHub-Delivery.
type WebhookHandler struct {
	secret    []byte
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewWebhookHandler returns a handler refreshing through r. An empty
// secret disables signature checks.
func NewWebhookHandler(secret []byte, r Refresher, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:     secret,
		refresher:  r,
		logger:     logger,
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}
}

type webhookPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
		GitURL   string `json:"git_url"`
		SSHURL   string `json:"ssh_url"`
		URL      string `json:"url"`
	} `json:"repository"`
	Project struct {
		GitHTTPURL string `json:"git_http_url"`
		WebURL     string `json:"web_url"`
	} `json:"project"`
}

// repoURLs returns the distinct non-empty repository URLs, clone URL first.
func (p *webhookPayload) repoURLs() []string {
	candidates := []string{
		p.Repository.CloneURL,
		p.Repository.HTMLURL,
		p.Repository.GitURL,
		p.Repository.SSHURL,
		p.Repository.URL,
		p.Project.GitHTTPURL,
		p.Project.WebURL,
	}
	seen := make(map[string]bool)
	var urls []string
	for _, u := range candidates {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		h.logger.Error("webhook: failed to read body", "error", err)
		writeError(w, http.StatusInternalServerError, string(deploy.KindInternal), "failed to read body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, string(deploy.KindValidation), "empty payload")
		return
	}

	if len(h.secret) > 0 {
		if err := verifySignature(h.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			h.logger.Warn("webhook: signature verification failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
			return
		}
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		event = r.Header.Get("X-Gitlab-Event")
	}
	if event == "ping" {
		writeSuccess(w, http.StatusOK, "pong", nil)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID != "" && h.isDuplicate(deliveryID) {
		h.logger.Debug("webhook: duplicate delivery, ignoring", "delivery_id", deliveryID)
		// 200 so the code host does not retry.
		writeSuccess(w, http.StatusOK, "duplicate delivery ignored", nil)
		return
	}
	// Only a delivery that refreshed cleanly stays recorded, so the code
	// host can redeliver one that failed.
	delivered := false
	if deliveryID != "" {
		defer func() {
			if !delivered {
				h.forget(deliveryID)
			}
		}()
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, string(deploy.KindValidation), "invalid JSON payload")
		return
	}
	urls := payload.repoURLs()
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, string(deploy.KindValidation), "payload does not name a repository")
		return
	}

	h.logger.Info("webhook received",
		"event", event,
		"delivery_id", deliveryID,
		"repository", urls[0],
		"ref", payload.Ref,
	)

	ctx := deploy.WithTrigger(r.Context(), deploy.TriggerWebhook)
	result := h.refresher.RefreshMatching(ctx, urls, payload.Ref)
	if !result.Matched() {
		writeError(w, http.StatusNotFound, string(deploy.KindNotFound), "no matching project")
		return
	}
	delivered = result.Failed == 0
	if len(result.Results) == 0 {
		writeSuccess(w, http.StatusOK, fmt.Sprintf("no project tracks %s", payload.Ref), result)
		return
	}
	writeRefreshResult(w, result)
}

// isDuplicate checks and records a delivery ID, pruning expired entries.
func (h *WebhookHandler) isDuplicate(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, receivedAt := range h.deliveries {
		if now.Sub(receivedAt) > deduplicationWindow {
			delete(h.deliveries, id)
		}
	}

	if _, exists := h.deliveries[deliveryID]; exists {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}

// forget removes a delivery ID so a redelivery is processed.
func (h *WebhookHandler) forget(deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.deliveries, deliveryID)
}

// verifySignature checks a GitHub style "sha256=<hex>" HMAC of body.
func verifySignature(secret, body []byte, signature string) error {
	if signature == "" {
		return errors.New("signature is empty")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("invalid hex signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), sig) != 1 {
		return errors.New("signature mismatch")
	}
	return nil
}
