package tbs

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// WebhookHandler wraps a subscription handler into an echo route handler for
// one webhook path. Per request it authenticates the shared-secret header,
// decodes the notification body via the protocol client, enforces the
// one-event-per-delivery contract, dispatches to the handler, and echoes the
// payload back on success.
//
// Decode failures and handler errors are not recovered here; they propagate
// to echo's error handling and surface as server errors. Authentication
// failure is the only locally handled condition.
func WebhookHandler(protocol ProtocolClient, handler Handler, token string, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if token != "" {
			presented := c.Request().Header.Get(WebhookTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized)
			}
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}

		events, err := protocol.ExtractEventsFromBundle(body)
		if err != nil {
			return err
		}
		// The subscription requests maxCount=1; more than one event in a
		// single delivery means the server broke that contract.
		if len(events) > 1 {
			return NewProtocolError("got %d events in one delivery, want at most 1", len(events))
		}

		for _, event := range events {
			logger.Debug().
				Str("reference", event.Reference).
				Int64("event_number", event.EventNumber).
				Int("included", len(event.IncludedResources)).
				Msg("dispatching subscription event")
			if err := handler(c.Request().Context(), event); err != nil {
				return err
			}
		}

		return c.JSONBlob(http.StatusOK, body)
	}
}
