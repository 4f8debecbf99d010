package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/eeveon/eeveon/internal/deploy/registry"
	"github.com/eeveon/eeveon/internal/deploy/service"
	"github.com/fox-gonic/fox"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// webhookSecretKey is the per-project secret key holding the shared HMAC
// secret for webhook sources.
const webhookSecretKey = "webhook"

// Deployer starts deployments from validated trigger events.
type Deployer interface {
	TriggerDeploy(ctx context.Context, trig model.DeployTrigger) (*model.DeploymentAttempt, error)
}

// Handler turns source-host webhooks into deployment triggers. Payloads are
// authenticated per project with an HMAC shared secret and deduplicated by
// delivery id.
type Handler struct {
	deployer Deployer
	registry *registry.Registry
	secrets  service.SecretSource
	cache    IdempotencyCache
}

func NewHandler(deployer Deployer, reg *registry.Registry, secrets service.SecretSource, cache IdempotencyCache) *Handler {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Handler{deployer: deployer, registry: reg, secrets: secrets, cache: cache}
}

// RegisterRoutes wires the receiver endpoints.
func RegisterRoutes(router *fox.Engine, h *Handler) {
	router.POST("/v1/triggers/github/:projectID", h.GithubPush)
	router.GET("/healthz", func(c *fox.Context) {
		c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
}

// githubPushEvent is the subset of the push payload the receiver reads.
type githubPushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// GithubPush handles a GitHub push webhook for one project.
func (h *Handler) GithubPush(c *fox.Context) {
	projectID := c.Param("projectID")
	project, ok := h.registry.Project(projectID)
	if !ok {
		c.JSON(http.StatusNotFound, map[string]any{"ok": false, "error": "unknown project"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "read body"})
		return
	}

	if err := h.verifySignature(c, projectID, body); err != nil {
		log.Warn().Str("project", projectID).Err(err).Msg("webhook signature rejected")
		c.JSON(http.StatusUnauthorized, map[string]any{"ok": false, "error": "bad signature"})
		return
	}

	delivery := c.Request.Header.Get("X-GitHub-Delivery")
	if delivery == "" {
		delivery = uuid.NewString()
	}
	if claimed, err := h.cache.TryMark(c.Request.Context(), delivery); err != nil {
		log.Error().Err(err).Str("delivery", delivery).Msg("idempotency cache unavailable")
	} else if !claimed {
		c.JSON(http.StatusOK, map[string]any{"ok": true, "msg": "duplicate delivery ignored"})
		return
	}

	var event githubPushEvent
	if err := json.Unmarshal(body, &event); err != nil || event.After == "" {
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid payload"})
		return
	}

	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	if !branchAllowed(&project, branch) {
		c.JSON(http.StatusOK, map[string]any{"ok": true, "msg": "branch not configured for deployment"})
		return
	}

	attempt, err := h.deployer.TriggerDeploy(c.Request.Context(), model.DeployTrigger{
		Project:   projectID,
		CommitRef: event.After,
		Source:    "github-webhook",
	})
	switch {
	case errors.Is(err, model.ErrReleaseNotFound):
		c.JSON(http.StatusOK, map[string]any{"ok": true, "msg": "no release registered for commit"})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, map[string]any{"ok": false, "error": "another attempt is in progress"})
	case err != nil:
		log.Error().Err(err).Str("project", projectID).Msg("trigger deploy failed")
		c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
	default:
		log.Info().
			Str("project", projectID).
			Int64("attempt", attempt.ID).
			Str("commit", event.After).
			Msg("deployment triggered by webhook")
		c.JSON(http.StatusAccepted, map[string]any{"ok": true, "attempt": attempt.ID})
	}
}

// verifySignature checks X-Hub-Signature-256 against the project's shared
// secret. A project without a configured secret rejects all deliveries.
func (h *Handler) verifySignature(c *fox.Context, projectID string, body []byte) error {
	secret, err := h.secrets.Reveal(c.Request.Context(), projectID, webhookSecretKey)
	if err != nil {
		return err
	}
	header := c.Request.Header.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(header, "sha256=") {
		return errors.New("missing signature header")
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return errors.New("malformed signature header")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return errors.New("signature mismatch")
	}
	return nil
}

func branchAllowed(project *model.Project, branch string) bool {
	if len(project.WebhookBranches) == 0 {
		return false
	}
	for _, b := range project.WebhookBranches {
		if b == branch || b == "*" {
			return true
		}
	}
	return false
}
