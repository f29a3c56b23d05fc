package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/dubcastio/dubcast/internal/app"
	"github.com/dubcastio/dubcast/internal/bus"
)

// pingInterval keeps intermediaries (proxies, load balancers) from
// closing an idle SSE connection during long gaps between job events.
const pingInterval = 15 * time.Second

type ssePing struct {
	Timestamp time.Time `json:"timestamp"`
}

// EventsController streams a job's Progress Bus events as
// Server-Sent Events, per spec.md §6.2's tagged-record wire format.
type EventsController struct {
	App *app.Context
}

// Stream tails job id's event channel until it closes (the Bus retires
// it after a terminal event's grace window, or the client disconnects).
func (ctrl *EventsController) Stream(c *echo.Context) error {
	id := c.Param("id")
	if _, err := ctrl.App.GetJob(c.Request().Context(), id); err != nil {
		return httpError(c, err)
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ch, unsubscribe := ctrl.App.Subscribe(id)
	defer unsubscribe()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sendEvent(w, string(ev.Kind), eventPayload(ev)); err != nil {
				return err
			}

		case <-ping.C:
			if err := sendEvent(w, "ping", ssePing{Timestamp: time.Now()}); err != nil {
				return err
			}
		}
	}
}

// eventPayload picks the populated field of ev's tagged union to
// serialize, matching which fields bus.Publish actually sets per Kind.
func eventPayload(ev bus.Event) interface{} {
	switch ev.Kind {
	case bus.EventProgress:
		return ev.Progress
	case bus.EventLog:
		return ev.Log
	case bus.EventError:
		return ev.Error
	case bus.EventComplete:
		return map[string]interface{}{"outputFile": ev.Output, "elapsedMs": ev.ElapsedMs}
	case bus.EventDropped:
		return map[string]interface{}{"count": ev.Dropped}
	default:
		return ev
	}
}

func sendEvent(w *echo.Response, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}
