package api

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/kissdb/kissengine/internal/store/logrecord"
)

const keepAliveInterval = 15 * time.Second

// streamFilter mirrors routes_events.rs's StreamQuery: types/key_prefix/
// collection narrow which events reach the client, applied client-side
// over every record the bus delivers.
type streamFilter struct {
	types      map[logrecord.EventType]bool
	keyPrefix  string
	collection string
}

func parseStreamFilter(c *gin.Context) streamFilter {
	f := streamFilter{keyPrefix: c.Query("key_prefix"), collection: c.Query("collection")}
	if raw := c.Query("types"); raw != "" {
		f.types = make(map[logrecord.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			f.types[logrecord.EventType(strings.TrimSpace(t))] = true
		}
	}
	return f
}

func (f streamFilter) matches(rec logrecord.Event) bool {
	if f.types != nil && !f.types[rec.Type] {
		return false
	}
	if f.keyPrefix == "" && f.collection == "" {
		return true
	}
	var meta struct {
		Key        string `json:"key"`
		Collection string `json:"collection"`
	}
	_ = json.Unmarshal(rec.Data, &meta)
	if f.keyPrefix != "" && !strings.HasPrefix(meta.Key, f.keyPrefix) {
		return false
	}
	if f.collection != "" && meta.Collection != f.collection {
		return false
	}
	return true
}

func toSSE(rec logrecord.Event) sse.Event {
	return sse.Event{
		Id:    strconv.FormatInt(rec.Offset, 10),
		Event: string(rec.Type),
		Data:  rec,
	}
}

// gapEvent is synthesized when a subscriber's channel fills and records
// are dropped before delivery, the Go-channel equivalent of
// routes_events.rs's BroadcastStreamRecvError::Lagged(n) handling.
type gapEvent struct {
	FromOffset int64  `json:"from_offset"`
	ToOffset   int64  `json:"to_offset"`
	Dropped    uint64 `json:"dropped"`
}

// streamEvents handles GET /v1/events/stream: replay-then-subscribe SSE. A
// client resumes from Last-Event-Id (falling back to ?since=) and then
// stays attached for live events until the connection closes.
func (s *Server) streamEvents(c *gin.Context) {
	filter := parseStreamFilter(c)

	since := int64(0)
	if v := c.GetHeader("Last-Event-Id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	} else if v := c.Query("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}

	sub := s.engine.Subscribe()
	defer sub.Close()
	if s.metrics != nil {
		s.metrics.BusSubscribers.Inc()
		defer s.metrics.BusSubscribers.Dec()
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for _, rec := range s.engine.ReplaySince(since) {
		if filter.matches(rec) {
			_ = sse.Encode(c.Writer, toSSE(rec))
		}
	}
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case n, ok := <-sub.Lagged:
			if !ok {
				return
			}
			_ = sse.Encode(c.Writer, sse.Event{
				Event: "gap",
				Data:  gapEvent{FromOffset: since + 1, ToOffset: s.engine.LastOffset(), Dropped: n},
			})
			c.Writer.Flush()
		case rec, ok := <-sub.Records:
			if !ok {
				return
			}
			since = rec.Offset
			if filter.matches(rec) {
				_ = sse.Encode(c.Writer, toSSE(rec))
				c.Writer.Flush()
			}
		case <-keepAlive.C:
			_ = sse.Encode(c.Writer, sse.Event{Event: "keepalive", Data: ""})
			c.Writer.Flush()
		}
	}
}
