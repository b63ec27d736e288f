package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hpwn/hackmudchat/internal/chatapi"
)

type sendRequest struct {
	Username  string `json:"username"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Msg       string `json:"msg"`
}

// SetupSendRoutes exposes the outbound chat endpoints.
func SetupSendRoutes(r *mux.Router) {
	r.HandleFunc("/api/send", handleSend).Methods(http.MethodPost)
	r.HandleFunc("/api/tell", handleTell).Methods(http.MethodPost)
}

func handleSend(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSend(w, r)
	if !ok {
		return
	}
	if req.Channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	writeSendResult(w, chatSender.Send(r.Context(), req.Username, req.Channel, req.Msg))
}

func handleTell(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSend(w, r)
	if !ok {
		return
	}
	if req.Recipient == "" {
		http.Error(w, "recipient required", http.StatusBadRequest)
		return
	}
	writeSendResult(w, chatSender.Tell(r.Context(), req.Username, req.Recipient, req.Msg))
}

func decodeSend(w http.ResponseWriter, r *http.Request) (sendRequest, bool) {
	if chatSender == nil {
		http.Error(w, "sender not initialized", http.StatusServiceUnavailable)
		return sendRequest{}, false
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return sendRequest{}, false
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Channel = strings.TrimSpace(req.Channel)
	req.Recipient = strings.TrimSpace(req.Recipient)

	if req.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return sendRequest{}, false
	}
	if strings.TrimSpace(req.Msg) == "" {
		http.Error(w, "msg required", http.StatusBadRequest)
		return sendRequest{}, false
	}
	return req, true
}

// writeSendResult maps a rejection by the game to 422 and any transport
// failure to 502.
func writeSendResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case chatapi.IsRemote(err):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "msg": remoteMsg(err)})
	default:
		routeLogger.Warn("send: upstream failure", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "msg": "upstream unavailable"})
	}
}

func remoteMsg(err error) string {
	if remote, ok := chatapi.AsRemote(err); ok {
		return remote.Msg
	}
	return err.Error()
}
