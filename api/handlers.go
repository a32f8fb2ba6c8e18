package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanbany-api/domain"
)

// HeaderBoardSecret carries the presented secret on read and stream
// requests. A header, never a query parameter, so secrets stay out of
// access logs.
const HeaderBoardSecret = "X-Board-Secret"

const maxBodySize = 1 << 20

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, guard *Guard, hub *Hub, pub *Publisher, logger *log.Logger) {
	e.POST("/api/boards", createBoard(store, guard), GzipRequestMiddleware())
	e.GET("/api/boards/:id", getBoard(store, guard, logger))
	e.POST("/api/boards/:id", updateBoard(store, guard, pub), GzipRequestMiddleware())
	e.GET("/api/boards/:id/stream", streamBoard(store, guard, hub))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func respondError(c echo.Context, status int, err error) error {
	return c.JSON(status, errorResponse{Error: err.Error(), Code: domain.ErrorCode(err)})
}

func boardError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return respondError(c, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrExpired):
		return respondError(c, http.StatusGone, err)
	case errors.Is(err, domain.ErrSecretRequired):
		return respondError(c, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrInvalidSecret):
		return respondError(c, http.StatusUnauthorized, err)
	case errors.Is(err, domain.ErrValidation):
		return respondError(c, http.StatusBadRequest, err)
	default:
		c.Logger().Error(err)
		return respondError(c, http.StatusInternalServerError, err)
	}
}

func createBoard(store Storage, guard *Guard) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !guard.AllowCreate(c.RealIP()) {
			return respondError(c, http.StatusTooManyRequests, domain.ErrRateLimited)
		}

		lr := io.LimitReader(c.Request().Body, maxBodySize)
		dec := sonic.ConfigStd.NewDecoder(lr)

		var req createBoardRequest
		if err := dec.Decode(&req); err != nil {
			return respondError(c, http.StatusBadRequest, domain.ErrValidation)
		}
		if req.Name == "" || req.Expiration == "" {
			return respondError(c, http.StatusBadRequest, domain.ErrValidation)
		}
		expiresAt, ok := domain.ParseExpiration(req.Expiration, time.Now())
		if !ok {
			return respondError(c, http.StatusBadRequest, domain.ErrValidation)
		}

		secretHash, err := HashSecret(req.Secret)
		if err != nil {
			return boardError(c, err)
		}

		data := req.Data
		if len(data) == 0 {
			data = domain.DefaultPayload()
		}
		if !json.Valid(data) {
			return respondError(c, http.StatusBadRequest, domain.ErrValidation)
		}

		id, err := store.Create(c.Request().Context(), req.Name, secretHash, data, expiresAt)
		if err != nil {
			return boardError(c, err)
		}

		return c.JSON(http.StatusCreated, createBoardResponse{
			ID:      id,
			URL:     "/shared/" + id,
			Expires: expiresAt,
		})
	}
}

func getBoard(store Storage, guard *Guard, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger, "boards.read")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		if !guard.AllowRead(c.RealIP()) {
			metrics.SetErrorStage("rate_limit")
			err = respondError(c, http.StatusTooManyRequests, domain.ErrRateLimited)
			return err
		}

		fetchStart := time.Now()
		board, fetchErr := store.Fetch(ctx, c.Param("id"))
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("fetch")
			err = boardError(c, fetchErr)
			return err
		}

		authStart := time.Now()
		authErr := guard.VerifySecret(board, c.Request().Header.Get(HeaderBoardSecret))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = boardError(c, authErr)
			return err
		}

		err = c.JSON(http.StatusOK, boardResponse{
			Data:      board.Data,
			Name:      board.Name,
			ExpiresAt: board.ExpiresAt,
		})
		return err
	}
}

func updateBoard(store Storage, guard *Guard, pub *Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !guard.AllowWrite(c.RealIP()) {
			return respondError(c, http.StatusTooManyRequests, domain.ErrRateLimited)
		}

		lr := io.LimitReader(c.Request().Body, maxBodySize)
		dec := sonic.ConfigStd.NewDecoder(lr)

		var req updateBoardRequest
		if err := dec.Decode(&req); err != nil {
			return respondError(c, http.StatusBadRequest, domain.ErrValidation)
		}
		if len(req.Data) == 0 || !json.Valid(req.Data) {
			return respondError(c, http.StatusBadRequest, domain.ErrValidation)
		}

		ctx := c.Request().Context()
		id := c.Param("id")

		board, err := store.Fetch(ctx, id)
		if err != nil {
			return boardError(c, err)
		}
		if err := guard.VerifySecret(board, req.Secret); err != nil {
			return boardError(c, err)
		}

		if req.UpdateID == "" {
			req.UpdateID = uuid.NewString()
		}

		if err := store.Replace(ctx, id, req.Data); err != nil {
			return boardError(c, err)
		}

		// Publish only after the write is durably accepted. The update id
		// is echoed through the broadcast so the originating session can
		// recognise itself.
		pub.Publish(ctx, domain.UpdateEvent{
			BoardID:  id,
			Data:     req.Data,
			UpdateID: req.UpdateID,
		})

		return c.JSON(http.StatusOK, updateBoardResponse{UpdateID: req.UpdateID})
	}
}

func streamBoard(store Storage, guard *Guard, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !guard.AllowRead(c.RealIP()) {
			return respondError(c, http.StatusTooManyRequests, domain.ErrRateLimited)
		}

		ctx := c.Request().Context()
		id := c.Param("id")

		// Joining re-validates credentials even over an already-open
		// transport; a failed join is scoped to this request only.
		board, err := store.Fetch(ctx, id)
		if err != nil {
			return boardError(c, err)
		}
		if err := guard.VerifySecret(board, c.Request().Header.Get(HeaderBoardSecret)); err != nil {
			return boardError(c, err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		session := hub.Join(id)
		defer hub.Leave(id, session)

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-session.Events():
				if err := writeSSE(c.Response(), ev); err != nil {
					c.Logger().Error(err)
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w io.Writer, ev sseEvent) error {
	if _, err := w.Write([]byte("event: " + ev.Name + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(ev.Data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
