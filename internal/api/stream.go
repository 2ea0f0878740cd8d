package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkkko/orderfeed/internal/api/errors"
	"github.com/nkkko/orderfeed/internal/api/response"
	"github.com/nkkko/orderfeed/internal/realtime"
	"github.com/nkkko/orderfeed/pkg/proto"
)

// generateID creates stream client ids, replaced in tests
var generateID = func() string {
	return uuid.NewString()
}

type frame struct {
	kind proto.Kind
	data []byte
}

// parseKinds reads a comma separated kinds list. Empty means every kind.
func parseKinds(raw string) ([]proto.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return proto.AllKinds(), nil
	}

	var kinds []proto.Kind
	seen := make(map[proto.Kind]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		k, ok := proto.ParseKind(name)
		if !ok {
			return nil, errors.ValidationError("unknown_kind", "Unknown event kind: "+name)
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return proto.AllKinds(), nil
	}
	return kinds, nil
}

// handleEvents streams canonical events as server-sent events. Each stream is
// one subscriber per requested kind and unsubscribes when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, r, errors.InternalError("streaming_unsupported", "Streaming is not supported"))
		return
	}

	// Streams outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	clientID := generateID()
	logger := s.logger.With().Str("client_id", clientID).Logger()
	frames := make(chan frame, s.config.StreamBuffer)

	deliver := func(ev proto.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error().Err(err).Str("kind", string(ev.Kind())).Msg("Failed to encode event")
			return
		}
		select {
		case frames <- frame{kind: ev.Kind(), data: data}:
		default:
			logger.Warn().Str("kind", string(ev.Kind())).Msg("Stream client too slow, dropping event")
		}
	}

	unsubs := make([]realtime.Unsubscribe, 0, len(kinds))
	for _, k := range kinds {
		unsubs = append(unsubs, s.feed.On(k, deliver))
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	s.metrics.StreamClientsActive.Inc()
	defer s.metrics.StreamClientsActive.Dec()
	logger.Info().Int("kinds", len(kinds)).Msg("Stream client connected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{"client_id": clientID})
	if err := writeFrame(w, "connected", hello); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-frames:
			err = writeFrame(w, string(f.kind), f.data)
		case <-ticker.C:
			_, err = io.WriteString(w, ": heartbeat\n\n")
		case <-r.Context().Done():
			logger.Info().Msg("Stream client disconnected")
			return
		case <-s.closing:
			return
		}
		if err != nil {
			logger.Debug().Err(err).Msg("Stream write failed")
			return
		}
		flusher.Flush()
	}
}

func writeFrame(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
