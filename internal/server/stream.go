package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentsh/autoapprove/internal/events"
	"github.com/agentsh/autoapprove/internal/policy"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// streamDecisions upgrades to a websocket and sends each matching decision
// as a JSON text message. Query parameters: verdict (comma separated) and
// source. Messages from the client are ignored.
func (s *Server) streamDecisions(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "decision stream is not enabled"})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}
	filter, err := streamFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// The default origin check rejects cross-site browser pages; clients
	// that send no Origin header are accepted.
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(4 * 1024)

	ch := s.broker.Subscribe(filter, streamBuffer)
	defer s.broker.Unsubscribe(ch)
	s.logger.Debug("decision stream connected", "remote", r.RemoteAddr)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-s.streamCtx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func streamFilter(r *http.Request) (*events.Filter, error) {
	q := r.URL.Query()
	f := &events.Filter{Source: q.Get("source")}
	if raw := q.Get("verdict"); raw != "" {
		f.Verdicts = make(map[policy.Verdict]bool)
		for _, name := range strings.Split(raw, ",") {
			v, err := policy.ParseVerdict(strings.TrimSpace(name))
			if err != nil {
				return nil, err
			}
			f.Verdicts[v] = true
		}
	}
	return f, nil
}
