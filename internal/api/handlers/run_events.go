package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ETAnderson/catalogsync/internal/events"
	"github.com/ETAnderson/catalogsync/internal/logging"
)

// RunEventsHandler streams run-summary events over a websocket. A client
// that falls behind misses events rather than slowing the runs.
type RunEventsHandler struct {
	Bus            *events.Bus
	Log            logrus.FieldLogger
	OriginPatterns []string
}

const runEventWriteTimeout = 5 * time.Second

func (h RunEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.OrDiscard(h.Log)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		log.WithError(err).Warn("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub, unsubscribe := h.Bus.Subscribe(64)
	defer unsubscribe()

	// Clients only listen; reading is left to the library so close frames
	// cancel ctx.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev events.RunEvent) error {
	ctx, cancel := context.WithTimeout(ctx, runEventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
