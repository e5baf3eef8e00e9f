package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/log"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// replayLimit bounds one catch-up batch.
const replayLimit = 1000

// stream is the SSE event feed. The client passes its team and the
// last team sequence it has seen; the server replays the gap from the
// durable log, then tails the live broker. Subscribing before replay
// and de-duplicating on sequence closes the race between the two.
func (s *Server) stream(c *gin.Context) {
	tm, err := s.teamQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	var lastSeen int64
	if raw := c.Query("last_seen_sequence"); raw != "" {
		lastSeen, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, err)
			return
		}
	}
	kindFilter := c.Query("kind")

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	live := s.bus.Subscribe(ctx)

	send := func(ev *domain.Event) bool {
		if kindFilter != "" && ev.Kind != kindFilter {
			return true
		}
		data, err := json.Marshal(gin.H{
			"seq":        ev.TeamSeq,
			"global_seq": ev.GlobalSeq,
			"team_id":    ev.TeamID,
			"kind":       ev.Kind,
			"payload":    json.RawMessage(ev.Payload),
			"created_at": ev.CreatedAt,
		})
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.TeamSeq, ev.Kind, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Catch up from the durable log.
	highWater := lastSeen
	for {
		batch, err := s.bus.Replay(tm.ID, highWater, replayLimit)
		if err != nil {
			log.ErrorErr(log.CatHTTP, "event replay failed", err, "team", tm.Name)
			return
		}
		for _, ev := range batch {
			if !send(ev) {
				return
			}
			highWater = ev.TeamSeq
		}
		if len(batch) < replayLimit {
			break
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-live:
			if !ok {
				return
			}
			ev := msg.Payload
			if ev.TeamID != tm.ID || ev.TeamSeq <= highWater {
				continue
			}
			if !send(&ev) {
				return
			}
			highWater = ev.TeamSeq
		}
	}
}
