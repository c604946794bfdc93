package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
)

const (
	streamPingInterval = 20 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamBuffer       = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventStream upgrades to a websocket and forwards every recorded event in
// its standard JSON form. ?account= narrows the stream to one account and
// ?kind= to one event kind. Slow clients lose events rather than block
// emitters.
func (h *handler) eventStream(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	kind := r.URL.Query().Get("kind")

	ch := make(chan []byte, streamBuffer)
	unsubscribe := h.events.SubscribeFiltered(func(ev locker.Event) bool {
		return (accountID == "" || ev.Data.AccountID == accountID) && (kind == "" || ev.Kind == kind)
	}, func(ev locker.Event) {
		data, err := ev.StandardJSON()
		if err != nil {
			return
		}
		select {
		case ch <- data:
		default:
		}
	})
	defer unsubscribe()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case data := <-ch:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.WithContext(r.Context()).WithError(err).Debug("event stream write failed")
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}
