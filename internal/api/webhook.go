package api

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/metrics"
)

// httpRequest rebuilds a net/http request from the fiber context so the
// adapters can parse it with their native webhook machinery.
func httpRequest(c *fiber.Ctx) (*http.Request, error) {
	req, err := http.NewRequest(c.Method(), c.OriginalURL(), bytes.NewReader(c.Body()))
	if err != nil {
		return nil, err
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Header.Set(string(key), string(value))
	})
	return req, nil
}

// handleWebhook ingests one backend event delivery. The flow mirrors the
// ingest contract: resolve backend, validate claimed origin, parse, then
// park the state in the TTL buckets for the background drainer.
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	name := c.Params("name")

	client, ok := s.clients[name]
	if !ok {
		metrics.Webhooks.WithLabelValues(name, "unknown").Inc()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": fmt.Sprintf("backend %q is not configured", name),
			"code":  fiber.StatusNotFound,
		})
	}
	opts := client.Context().Options
	log := s.logger.WithField("backend", name)

	req, err := httpRequest(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed request",
			"code":  fiber.StatusBadRequest,
		})
	}

	attrs, err := client.InspectRequest(req)
	if err != nil {
		metrics.Webhooks.WithLabelValues(name, "rejected").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  fiber.StatusBadRequest,
		})
	}

	if opts.WebhookMatchUser {
		expected := client.Context().UserID
		if subtle.ConstantTimeCompare([]byte(attrs.UserID), []byte(expected)) != 1 {
			metrics.Webhooks.WithLabelValues(name, "rejected").Inc()
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("request user id %q does not match backend user", attrs.UserID),
				"code":  fiber.StatusBadRequest,
			})
		}
	}

	if opts.WebhookMatchUUID {
		if attrs.BackendID != client.Context().BackendID {
			metrics.Webhooks.WithLabelValues(name, "rejected").Inc()
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("request backend id %q does not match backend uuid", attrs.BackendID),
				"code":  fiber.StatusBadRequest,
			})
		}
	}

	if !opts.ImportEnabled && !opts.MetadataOnly {
		metrics.Webhooks.WithLabelValues(name, "rejected").Inc()
		return c.Status(fiber.StatusNotAcceptable).JSON(fiber.Map{
			"error": "import is disabled for this backend",
			"code":  fiber.StatusNotAcceptable,
		})
	}

	state, err := client.ParseWebhook(req)
	if err != nil {
		// Unusable payloads (unknown events, items without identity,
		// episodes without a position) are ignored, not errors.
		var leveled *backends.Error
		if errors.As(err, &leveled) && leveled.Level != backends.LevelError {
			metrics.Webhooks.WithLabelValues(name, "ignored").Inc()
			return c.SendStatus(fiber.StatusNotModified)
		}
		log.WithError(err).Debug("Webhook payload not ingestible")
		metrics.Webhooks.WithLabelValues(name, "ignored").Inc()
		return c.SendStatus(fiber.StatusNotModified)
	}

	// Metadata-only backends record library facts but must not flip
	// watched; the same rule tainted transitions follow.
	if opts.MetadataOnly {
		state.Tainted = true
		state.Watched = false
	}

	tainted := "untainted"
	if state.Tainted {
		tainted = "tainted"
	}
	meta := state.Metadata[name]
	itemID := fmt.Sprintf("%s://%s:%s@%s", state.Type, meta.ID, tainted, name)

	s.buckets.AddRequest(itemID, state)
	if state.HasPlayProgress() {
		s.buckets.AddProgress(itemID, state)
	}

	log.WithFields(logrus.Fields{
		"item":    itemID,
		"event":   state.Extra[name].Event,
		"watched": state.Watched,
	}).Debug("Webhook queued")
	metrics.Webhooks.WithLabelValues(name, "ok").Inc()

	c.Set("X-Log-Response", "0")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "queued"})
}
