package handlers

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coin-clash/middleware"
	"coin-clash/models"
	"coin-clash/services"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

type MatchHandler struct {
	Lobby      *services.LobbyService
	Feed       *services.EventFeed
	Settlement *services.SettlementService
	Log        zerolog.Logger

	// StreamInterval is how often the event stream polls for new rows.
	StreamInterval time.Duration
}

func (h *MatchHandler) CreateLobby(c *fiber.Ctx) error {
	var req services.CreateLobbyParams
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	m, err := h.Lobby.CreateLobby(c.UserContext(), middleware.UserID(c), req)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (h *MatchHandler) ListMatches(c *fiber.Ctx) error {
	matches, err := h.Lobby.ListMatches(c.UserContext(), models.MatchStatus(c.Query("status")), c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(fiber.Map{"matches": matches})
}

func (h *MatchHandler) GetMatch(c *fiber.Ctx) error {
	m, err := h.Lobby.GetMatch(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(m)
}

func (h *MatchHandler) Participants(c *fiber.Ctx) error {
	if _, err := h.Lobby.GetMatch(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, h.Log, err)
	}
	parts, err := h.Lobby.Participants(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(fiber.Map{"participants": parts})
}

type joinRequest struct {
	CharacterIDs []string `json:"character_ids"`
	PaymentRef   string   `json:"payment_ref"`
}

func (h *MatchHandler) Join(c *fiber.Ctx) error {
	var req joinRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	jr, err := h.Lobby.JoinMatch(c.UserContext(), c.Params("id"), middleware.UserID(c), req.CharacterIDs, req.PaymentRef)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(jr)
}

func (h *MatchHandler) Cancel(c *fiber.Ctx) error {
	if err := h.Lobby.CancelMatch(c.UserContext(), c.Params("id"), middleware.UserID(c)); err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(fiber.Map{"status": models.MatchCancelled})
}

// AdminCancel cancels any filling lobby regardless of its creator.
func (h *MatchHandler) AdminCancel(c *fiber.Ctx) error {
	if err := h.Lobby.CancelMatch(c.UserContext(), c.Params("id"), ""); err != nil {
		return respondError(c, h.Log, err)
	}
	h.Log.Warn().Str("match_id", c.Params("id")).Str("admin", middleware.UserID(c)).Msg("lobby cancelled by admin")
	return c.JSON(fiber.Map{"status": models.MatchCancelled})
}

func (h *MatchHandler) Abort(c *fiber.Ctx) error {
	if err := h.Lobby.AbortMatch(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, h.Log, err)
	}
	h.Log.Warn().Str("match_id", c.Params("id")).Str("admin", middleware.UserID(c)).Msg("match abort requested")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "aborting"})
}

func (h *MatchHandler) Events(c *fiber.Ctx) error {
	after, err := strconv.Atoi(c.Query("after", "0"))
	if err != nil {
		return badRequest(c, "after must be an integer")
	}
	page, err := h.Feed.ListEvents(c.UserContext(), c.Params("id"), after, c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(page)
}

func (h *MatchHandler) Payouts(c *fiber.Ctx) error {
	if _, err := h.Lobby.GetMatch(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, h.Log, err)
	}
	payouts, err := h.Settlement.ListPayouts(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(fiber.Map{"payouts": payouts})
}

// StreamEvents pushes the match's events as server-sent events until the
// match is finished or the client disconnects.
func (h *MatchHandler) StreamEvents(c *fiber.Ctx) error {
	// Params point into the request buffer, which the stream writer outlives.
	matchID := strings.Clone(c.Params("id"))
	after := c.QueryInt("after", 0)
	// Fail fast on unknown matches before switching to a stream.
	if _, err := h.Feed.ListEvents(c.UserContext(), matchID, after, 1); err != nil {
		return respondError(c, h.Log, err)
	}
	interval := h.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	log := h.Log.With().Str("match_id", matchID).Logger()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx := c.Context()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		_, _ = w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		cursor := after
		for {
			page, err := h.Feed.ListEvents(ctx, matchID, cursor, 100)
			if err != nil {
				log.Error().Err(err).Msg("event stream query failed")
				return
			}
			for _, ev := range page.Events {
				payload, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Int("seq", ev.Seq).Msg("failed to encode event")
					return
				}
				fmt.Fprintf(w, "id: %d\nevent: match_event\ndata: %s\n\n", ev.Seq, payload)
			}
			cursor = page.NextCursor
			if page.Finished {
				fmt.Fprintf(w, "event: end\ndata: {\"next_cursor\":%d}\n\n", cursor)
				_ = w.Flush()
				return
			}
			if err := w.Flush(); err != nil {
				// Client disconnected
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	})
	return nil
}

// SetupMatchRoutes registers the lobby, match and event routes.
// secured must already carry the user context middleware.
func SetupMatchRoutes(secured fiber.Router, h *MatchHandler) {
	secured.Post("/matches", h.CreateLobby)
	secured.Get("/matches", h.ListMatches)
	secured.Get("/matches/:id", h.GetMatch)
	secured.Get("/matches/:id/participants", h.Participants)
	secured.Post("/matches/:id/join", h.Join)
	secured.Post("/matches/:id/cancel", h.Cancel)
	secured.Get("/matches/:id/events", h.Events)
	secured.Get("/matches/:id/events/stream", h.StreamEvents)
	secured.Get("/matches/:id/payouts", h.Payouts)

	admin := secured.Group("/admin", middleware.RequireRole("admin"))
	admin.Post("/matches/:id/abort", h.Abort)
	admin.Post("/matches/:id/cancel", h.AdminCancel)
}
