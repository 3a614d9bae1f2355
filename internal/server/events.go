package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"aimint/internal/inference"
	"aimint/internal/pipeline"

	"go.uber.org/zap"
)

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// eventStream relays a run to the client as server-sent events. Write errors
// mean the client left; the run carries on regardless.
type eventStream struct {
	pipeline.NopObserver

	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	gone    bool
	logger  *zap.Logger
}

func newEventStream(w http.ResponseWriter, logger *zap.Logger) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher, logger: logger}, true
}

type stateEvent struct {
	RunID string `json:"runId"`
	State string `json:"state"`
}

type imageEvent struct {
	RunID string `json:"runId"`
	*imageResponse
}

type outcomeEvent struct {
	HTTPStatus int `json:"httpStatus"`
	mintResponse
}

func (e *eventStream) OnState(runID string, state pipeline.State) {
	e.send("state", stateEvent{RunID: runID, State: string(state)})
}

func (e *eventStream) OnImage(runID string, image inference.Image) {
	e.send("image", imageEvent{RunID: runID, imageResponse: newImageResponse(image)})
}

func (e *eventStream) outcome(status int, resp mintResponse) {
	e.send("outcome", outcomeEvent{HTTPStatus: status, mintResponse: resp})
}

func (e *eventStream) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		e.gone = true
		e.logger.Debug("event stream client gone", zap.Error(err))
		return
	}
	e.flusher.Flush()
}
