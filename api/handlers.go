package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"

	"collab-service/collab"
	"collab-service/domain"
)

const commandBodyMaxSize = 64 * 1024

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, sessions *Sessions, auth Authenticator, logger *log.Logger) {
	e.GET("/collab/stream", streamCollab(sessions, auth, logger))
	e.POST("/collab/sessions/:id/presence", postPresence(sessions, auth))
	e.POST("/collab/sessions/:id/cursor", postCursor(sessions, auth))
	e.POST("/collab/sessions/:id/drag", postDrag(sessions, auth))
	e.POST("/collab/sessions/:id/move", postMove(sessions, auth))
	e.POST("/collab/sessions/:id/resolve", postResolve(sessions, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// sessionForRequest authenticates the caller and resolves the session named
// in the route. A nil session means the response has been written; the
// returned error is the write result.
func sessionForRequest(c echo.Context, sessions *Sessions, auth Authenticator) (*collab.Session, error) {
	ident, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return nil, c.String(http.StatusUnauthorized, err.Error())
	}
	sess, ok := sessions.Get(c.Param("id"))
	if !ok {
		return nil, c.String(http.StatusNotFound, "unknown session")
	}
	if sess.UserID() != ident.UserID {
		return nil, c.String(http.StatusForbidden, "session belongs to another user")
	}
	return sess, nil
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, commandBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func commandError(c echo.Context, err error) error {
	if errors.Is(err, domain.ErrSessionClosed) {
		return c.String(http.StatusGone, "session closed")
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}

func postPresence(sessions *Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := sessionForRequest(c, sessions, auth)
		if sess == nil {
			return err
		}
		var body presenceBody
		if err := decodeBody(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if body.Status != nil && !domain.ValidPresence(*body.Status) {
			return c.String(http.StatusBadRequest, "invalid status")
		}
		patch := domain.PresencePatch{
			UserName:     body.UserName,
			AvatarURL:    body.AvatarURL,
			Cursor:       body.Cursor,
			ActiveTaskID: body.ActiveTaskID,
			Status:       body.Status,
		}
		if err := sess.UpdatePresence(c.Request().Context(), patch); err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postCursor(sessions *Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := sessionForRequest(c, sessions, auth)
		if sess == nil {
			return err
		}
		var body cursorBody
		if err := decodeBody(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := sess.BroadcastCursorMove(c.Request().Context(), domain.Cursor{X: body.X, Y: body.Y}); err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func postDrag(sessions *Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := sessionForRequest(c, sessions, auth)
		if sess == nil {
			return err
		}
		var body dragBody
		if err := decodeBody(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if body.TaskID == "" || !domain.ValidStatus(body.From) || !domain.ValidStatus(body.To) {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		preview := true
		if body.Preview != nil {
			preview = *body.Preview
		}
		if err := sess.BroadcastTaskDrag(c.Request().Context(), body.TaskID, body.From, body.To, preview); err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func postMove(sessions *Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := sessionForRequest(c, sessions, auth)
		if sess == nil {
			return err
		}
		var body moveBody
		if err := decodeBody(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if body.TaskID == "" || !domain.ValidStatus(body.To) {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		res, err := sess.MoveTask(c.Request().Context(), body.TaskID, body.To)
		if err != nil {
			return commandError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func postResolve(sessions *Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := sessionForRequest(c, sessions, auth)
		if sess == nil {
			return err
		}
		var body resolveBody
		if err := decodeBody(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if body.TaskID == "" || body.Resolution == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := sess.ResolveConflict(c.Request().Context(), body.TaskID, body.Resolution); err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}
