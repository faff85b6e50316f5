package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/halcyon-ai/casefile/internal/event"
	"github.com/halcyon-ai/casefile/internal/httperr"
)

// drainGrace is how long the endpoint keeps reading after the session turns
// terminal, so in-flight cross-goroutine pushes still land on the stream.
const drainGrace = 50 * time.Millisecond

// StreamSession replays the event log from ?since=N and tails the live
// stream as server-sent events until the session reaches a terminal status
// or the client disconnects.
// GET /sessions/:id/stream
func (h *Handlers) StreamSession(c *gin.Context) {
	s, err := h.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.AbortWithNotFound(c, "session not found", nil)
		return
	}

	since := 0
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httperr.AbortWithBadRequest(c, "since must be a non-negative integer", nil)
			return
		}
		since = parsed
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		httperr.AbortWithInternal(c, "streaming not supported", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	history, sub := s.Subscribe(since)
	defer s.Unsubscribe(sub)

	log := h.logger.WithSession(s.ID, s.Scenario)
	log.Debug("stream opened",
		slog.String("subscriber_id", sub.ID),
		slog.Int("since", since),
		slog.Int("history", len(history)))

	write := func(e event.Event) bool {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", e.Name, e.Data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// sentDone tracks whether the terminal sentinel already went out as a
	// logged event, so the closing frame is not duplicated.
	sentDone := false

	emit := func(e event.Event) bool {
		if !write(e) {
			return false
		}
		if e.Name == event.TagDone {
			sentDone = true
		}
		return true
	}

	for _, e := range history {
		if !emit(e) {
			log.Debug("client disconnected during replay",
				slog.String("subscriber_id", sub.ID))
			return
		}
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()

	for {
		// A terminal session with a drained channel ends the stream. The
		// grace interval lets events still crossing goroutines arrive first.
		if s.Status().Terminal() {
			drained := false
			for !drained {
				select {
				case e, open := <-sub.Events():
					if !open {
						drained = true
						break
					}
					if !emit(e) {
						return
					}
				case <-time.After(drainGrace):
					drained = true
				}
			}
			if !sentDone {
				write(event.New(event.TagDone, s.CurrentTurn(), event.DonePayload{
					Status: string(s.Status()),
				}))
			}
			log.Debug("stream closed at terminal status",
				slog.String("subscriber_id", sub.ID),
				slog.String("status", string(s.Status())))
			return
		}

		select {
		case e, open := <-sub.Events():
			if !open {
				// Overflowed or force-closed; the client re-subscribes with
				// a fresh offset.
				log.Warn("subscriber channel closed mid-stream",
					slog.String("subscriber_id", sub.ID))
				write(event.New(event.TagDone, s.CurrentTurn(), event.DonePayload{
					Status: string(s.Status()),
				}))
				return
			}
			if !emit(e) {
				log.Debug("client disconnected",
					slog.String("subscriber_id", sub.ID))
				return
			}
			heartbeat.Reset(h.cfg.HeartbeatInterval)

		case <-heartbeat.C:
			if !write(event.New(event.TagHeartbeat, s.CurrentTurn(), struct{}{})) {
				return
			}

		case <-clientGone:
			log.Debug("client disconnected",
				slog.String("subscriber_id", sub.ID))
			return
		}
	}
}
