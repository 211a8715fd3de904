package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"podhub/hub"
	"podhub/models"
)

type ServerConfig struct {

	// The feed registry served by the read APIs
	Hub *hub.Hub

	// The scheduler backing the manual refresh endpoint
	Scheduler *hub.Scheduler

	// The resolver backing the media endpoint
	Resolver *hub.Resolver

	// Broadcast channel to pass new-episode events to SSE clients
	Broadcaster *Broadcaster
}

// Returns a fiber.App instance to be used as an HTTP server for the podhub APIs
func Server(config *ServerConfig) *fiber.App {

	bc := config.Broadcaster

	app := fiber.New()

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		// start timer
		start := time.Now()

		// next routes
		err := c.Next()

		// stop timer
		stop := time.Now()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": stop.Sub(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Cache-Control",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// List all configured feeds with their schedule state
	app.Get("/api/feeds", func(c *fiber.Ctx) error {
		return c.JSON(config.Hub.Infos())
	})

	// List the bounded episode collection of one feed, newest first
	app.Get("/api/feeds/:feedId/episodes", func(c *fiber.Ctx) error {
		feedID := pathParam(c, "feedId")
		f, ok := config.Hub.Get(feedID)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": fmt.Sprintf("unknown feed %q", feedID),
			})
		}
		return c.JSON(f.Store.Episodes())
	})

	// Resolve <feed_id>/<episode_guid|latest> to a playable URL
	app.Get("/api/media/:feedId/:episodeId", func(c *fiber.Ctx) error {
		feedID := pathParam(c, "feedId")
		episodeID := pathParam(c, "episodeId")

		media, err := config.Resolver.Resolve(c.Context(), feedID, episodeID)
		if err != nil {
			status := fiber.StatusInternalServerError
			kind := ""
			var resErr *hub.ResolutionError
			if errors.As(err, &resErr) {
				kind = resErr.Kind
				switch resErr.Kind {
				case hub.ResolveUnknownFeed, hub.ResolveUnknownEpisode:
					status = fiber.StatusNotFound
				case hub.ResolveNoEnclosure:
					status = fiber.StatusConflict
				case hub.ResolveNetwork:
					status = fiber.StatusBadGateway
				}
			}
			return c.Status(status).JSON(fiber.Map{
				"error": err.Error(),
				"kind":  kind,
			})
		}
		return c.JSON(media)
	})

	// Force an immediate reload cycle across all feeds. Always completes with
	// per-feed outcomes; individual failures are reported, never raised.
	app.Post("/api/refresh", func(c *fiber.Ctx) error {
		outcomes := config.Scheduler.RefreshAll(c.Context())
		return c.JSON(fiber.Map{
			"feeds": outcomes,
		})
	})

	app.Delete("/api/events/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(200).SendString("OK")
	})

	app.Get("/api/events/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		episodeChan := make(chan models.NewEpisodeEvent, 10) // Buffered channel
		aliveChan := time.NewTicker(5 * time.Second)

		defer aliveChan.Stop()

		// Register the client
		bc.AddClient(key, episodeChan)

		// Cleanup function
		cleanup := func() {
			log.Infof("Cleaning up SSE stream for client: %s", key)
			bc.RemoveClient(key)
		}

		// Use StreamWriter to manage SSE streaming
		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer cleanup()

			// Send initial event with client key
			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			// Start streaming loop
			for {
				select {
				case <-aliveChan.C:
					// Send keep-alive pings
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case event, ok := <-episodeChan:
					if !ok {
						log.Warnf("Episode channel closed for client %s", key)
						return
					}
					jsonEvent, err := json.Marshal(event)
					if err != nil {
						log.Errorf("Error marshalling event for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: new-episode\ndata: %s\n\n", jsonEvent); err != nil {
						log.Warnf("Failed to send new-episode event to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush new-episode event for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}

// pathParam returns a URL-decoded path segment; feed ids and guids are opaque
// and arrive URL-encoded.
func pathParam(c *fiber.Ctx, name string) string {
	raw := c.Params(name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}
