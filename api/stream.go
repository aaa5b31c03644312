package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"

	"collab-service/domain"
)

const (
	streamBufferSize  = 64
	keepaliveInterval = 30 * time.Second
)

// streamCollab opens a collaboration session and relays its events as
// server-sent events until the client disconnects. The per-client buffer
// drops frames when the consumer falls behind; the engine never blocks on
// a slow stream.
func streamCollab(sessions *Sessions, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := newStreamMetrics(logger)

		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			// EventSource cannot set request headers; accept the token as a
			// query parameter instead.
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		authStart := time.Now()
		ident, err := auth.IdentityFromAuthHeader(authHeader)
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		teamID := c.QueryParam("team")
		if teamID == "" {
			return c.String(http.StatusBadRequest, "missing team")
		}
		defer func() { metrics.Log(teamID, ident.UserID) }()

		events := make(chan domain.CollaborationEvent, streamBufferSize)
		user := domain.UserPresence{UserID: ident.UserID, UserName: ident.Name, Status: domain.PresenceOnline}
		connectStart := time.Now()
		sess, err := sessions.Open(c.Request().Context(), teamID, user, func(ev domain.CollaborationEvent) {
			select {
			case events <- ev:
			default:
				metrics.FrameDropped()
			}
		})
		metrics.ObserveConnect(time.Since(connectStart))
		if err != nil {
			metrics.SetErrorStage("connect")
			logger.WithError(err).WithFields(log.Fields{"team": teamID, "user": ident.UserID}).Error("session connect failed")
			return c.String(http.StatusBadGateway, "collaboration channel unavailable")
		}
		defer sessions.Release(sess.ID())

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().WriteHeader(http.StatusOK)
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			metrics.SetErrorStage("flusher")
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		// Write an initial comment to ensure headers are flushed to the client.
		if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
			metrics.SetErrorStage("write")
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case ev := <-events:
				if err := writeEvent(c, ev); err != nil {
					metrics.SetErrorStage("write")
					return nil
				}
				metrics.FrameSent()
				flusher.Flush()
			case <-ticker.C:
				// Send a comment as a heartbeat to keep the connection alive.
				if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
					metrics.SetErrorStage("write")
					return nil
				}
				flusher.Flush()
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func writeEvent(c echo.Context, ev domain.CollaborationEvent) error {
	data, _ := sonic.Marshal(ev)
	if _, err := c.Response().Write([]byte("event: " + string(ev.Kind) + "\n")); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	_, err := c.Response().Write([]byte("\n\n"))
	return err
}
