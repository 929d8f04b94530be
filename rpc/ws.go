package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"assetmarket/core/events"
)

const wsWriteTimeout = 10 * time.Second

// wsEventPayload frames a journaled event for websocket delivery.
type wsEventPayload struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// handleEventsWS streams marketplace events. The optional cursor query
// parameter replays the journal after that sequence before going live.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	backlog, live, cancel, err := s.node.SubscribeEvents(cursor)
	if err != nil {
		return err
	}
	defer cancel()
	return pumpEvents(ctx, cursor, backlog, live, func(evt events.Sequenced) error {
		return writeSequencedEvent(ctx, conn, evt)
	})
}

// pumpEvents sends the backlog and then the live feed. Events published while
// the backlog was being read may appear on both paths, so the last delivered
// sequence is tracked and duplicates are skipped. Unsequenced events (seq 0,
// emitted by journal-less nodes) are always passed through.
func pumpEvents(ctx context.Context, cursor uint64, backlog []events.Sequenced, live <-chan events.Sequenced, send func(events.Sequenced) error) error {
	delivered := cursor
	for _, evt := range backlog {
		if evt.Seq <= delivered {
			continue
		}
		if err := send(evt); err != nil {
			return err
		}
		delivered = evt.Seq
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if evt.Seq != 0 && evt.Seq <= delivered {
				continue
			}
			if err := send(evt); err != nil {
				return err
			}
			if evt.Seq > delivered {
				delivered = evt.Seq
			}
		}
	}
}

func writeSequencedEvent(ctx context.Context, conn *websocket.Conn, evt events.Sequenced) error {
	if evt.Event == nil {
		return nil
	}
	data, err := json.Marshal(wsEventPayload{
		Seq:        evt.Seq,
		Type:       evt.Event.Type,
		Attributes: evt.Event.Attributes,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
