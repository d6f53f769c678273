package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"nhooyr.io/websocket"

	"futarchyd/services/futarchyd/store"
)

// PriceFeed is the subscription surface the live price stream needs;
// *store.Feed satisfies it.
type PriceFeed interface {
	Subscribe(buffer int) (<-chan store.PriceEvent, func())
}

// handlePriceStream upgrades the request to a websocket and relays
// price_history inserts for one proposal until the client disconnects.
// Inserts published while the subscription buffer is full are dropped,
// not queued.
func (a *API) handlePriceStream(w http.ResponseWriter, r *http.Request) {
	moderatorID, proposalID, ok := a.pathIDs(w, r)
	if !ok {
		return
	}
	if a.feed == nil {
		a.writeError(w, http.StatusNotFound, errors.New("price feed unavailable"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, unsubscribe := a.feed.Subscribe(64)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub:
			if !open {
				return
			}
			if evt.ModeratorID != moderatorID || evt.ProposalID != proposalID {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
