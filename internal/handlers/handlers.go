package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/pneumoscan/internal/session"
	"github.com/example/pneumoscan/internal/upload"
	"github.com/example/pneumoscan/internal/usecase"
)

// MaxUploadSize caps multipart bodies accepted by the router.
const MaxUploadSize = upload.MaxImageBytes

// SessionCookie names the cookie carrying the opaque session id.
const SessionCookie = "pneumoscan_session"

const defaultHistoryLimit = 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, store *session.Store, uploads *upload.Controller, uc *usecase.AnalysisUseCase, authMiddleware gin.HandlerFunc) {
	api := router.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.GET("/state", func(c *gin.Context) {
		sess := sessionFrom(c, store)
		c.JSON(http.StatusOK, sess.View())
	})

	api.POST("/image", func(c *gin.Context) {
		sess := sessionFrom(c, store)

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required", "state": sess.View()})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large", "state": sess.View()})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image", "state": sess.View()})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image", "state": sess.View()})
			return
		}

		mediaType := file.Header.Get("Content-Type")
		if _, err := uploads.Stage(sess, file.Filename, mediaType, data); err != nil {
			if errors.Is(err, upload.ErrUnsupportedType) {
				// The session is untouched; the reason is surfaced so the page
				// can tell the user instead of silently ignoring the drop.
				c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error(), "state": sess.View()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "state": sess.View()})
			return
		}

		c.JSON(http.StatusOK, sess.View())
	})

	api.DELETE("/image", func(c *gin.Context) {
		sess := sessionFrom(c, store)
		sess.Clear()
		c.JSON(http.StatusOK, sess.View())
	})

	api.POST("/analyze", func(c *gin.Context) {
		sess := sessionFrom(c, store)

		view, err := uc.Analyze(sess)
		if err != nil {
			if errors.Is(err, session.ErrNothingStaged) || errors.Is(err, session.ErrAnalysisInFlight) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": view})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "state": view})
			return
		}

		c.JSON(http.StatusAccepted, view)
	})

	secured := api.Group("")
	secured.Use(authMiddleware)

	secured.GET("/history", func(c *gin.Context) {
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
				limit = parsed
			}
		}

		entries, err := uc.History(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	secured.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// sessionFrom resolves the caller's session from the cookie, creating one (and
// setting the cookie) on first contact or after expiry.
func sessionFrom(c *gin.Context, store *session.Store) *session.Session {
	if id, err := c.Cookie(SessionCookie); err == nil {
		if sess := store.Get(id); sess != nil {
			return sess
		}
	}

	id, sess := store.Create()
	c.SetCookie(SessionCookie, id, 0, "/", "", false, true)
	return sess
}
