package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/pkg/cerr"
)

var heartbeatInterval = 15 * time.Second

// streamEvents writes bus notifications as server-sent events until the
// client goes away. With client_id set, notifications addressed to other
// clients are skipped; unaddressed ones are always delivered.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Events == nil {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "event stream is not configured", nil)
		return
	}
	rc := http.NewResponseController(w)
	client := r.URL.Query().Get("client_id")
	execID := r.URL.Query().Get("execution_id")

	subID, ch := s.deps.Events.Subscribe(s.sseBuf)
	defer s.deps.Events.Unsubscribe(subID)

	cerr.MarkWritten(ctx)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.WarnContext(ctx, "event stream cannot flush", "error", err)
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			if !wanted(n, client, execID) {
				continue
			}
			if err := writeEvent(w, n); err != nil {
				slog.DebugContext(ctx, "event stream closed", "error", err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func wanted(n *notify.Notification, client, execID string) bool {
	if client != "" && n.ClientID != "" && n.ClientID != client {
		return false
	}
	if execID != "" && n.ExecutionID != execID {
		return false
	}
	return true
}

func writeEvent(w http.ResponseWriter, n *notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Kind, data)
	return err
}
