package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/hpwn/hackmudchat/internal/chatapi"
)

type sentChat struct {
	kind, username, target, msg string
}

type fakeSender struct {
	err  error
	sent []sentChat
}

func (f *fakeSender) Send(_ context.Context, username, channel, msg string) error {
	f.sent = append(f.sent, sentChat{"send", username, channel, msg})
	return f.err
}

func (f *fakeSender) Tell(_ context.Context, username, recipient, msg string) error {
	f.sent = append(f.sent, sentChat{"tell", username, recipient, msg})
	return f.err
}

func withSender(t *testing.T, s Sender) http.Handler {
	t.Helper()
	prev := chatSender
	chatSender = s
	t.Cleanup(func() { chatSender = prev })

	r := mux.NewRouter()
	SetupSendRoutes(r)
	return r
}

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body)))
	return rr
}

func TestSendAndTellForward(t *testing.T) {
	sender := &fakeSender{}
	router := withSender(t, sender)

	if rr := post(router, "/api/send", `{"username":" alice ","channel":"0000","msg":"hello"}`); rr.Code != http.StatusOK {
		t.Fatalf("send: status %d body %q", rr.Code, rr.Body.String())
	}
	if rr := post(router, "/api/tell", `{"username":"alice","recipient":"bob","msg":"psst"}`); rr.Code != http.StatusOK {
		t.Fatalf("tell: status %d", rr.Code)
	}

	want := []sentChat{
		{"send", "alice", "0000", "hello"},
		{"tell", "alice", "bob", "psst"},
	}
	if len(sender.sent) != len(want) {
		t.Fatalf("expected %d chats, got %d", len(want), len(sender.sent))
	}
	for i := range want {
		if sender.sent[i] != want[i] {
			t.Fatalf("chat %d: got %+v want %+v", i, sender.sent[i], want[i])
		}
	}
}

func TestSendValidation(t *testing.T) {
	sender := &fakeSender{}
	router := withSender(t, sender)

	cases := []struct{ path, body string }{
		{"/api/send", "{"},
		{"/api/send", `{"channel":"0000","msg":"hi"}`},
		{"/api/send", `{"username":"alice","msg":"hi"}`},
		{"/api/send", `{"username":"alice","channel":"0000","msg":"  "}`},
		{"/api/tell", `{"username":"alice","msg":"hi"}`},
	}
	for _, tc := range cases {
		if rr := post(router, tc.path, tc.body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.path, tc.body, rr.Code)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("nothing should have been sent, got %+v", sender.sent)
	}
}

func TestSendMapsRemoteRejection(t *testing.T) {
	router := withSender(t, &fakeSender{err: &chatapi.RemoteError{Op: "create_chat", Msg: "not in channel"}})

	rr := post(router, "/api/send", `{"username":"alice","channel":"nowhere","msg":"hi"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var resp struct {
		OK  bool   `json:"ok"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Msg != "not in channel" {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestSendMapsTransportFailure(t *testing.T) {
	router := withSender(t, &fakeSender{err: &chatapi.TransportError{Op: "create_chat", Err: errors.New("timeout")}})

	if rr := post(router, "/api/tell", `{"username":"alice","recipient":"bob","msg":"hi"}`); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestSendWithoutSender(t *testing.T) {
	router := withSender(t, nil)
	if rr := post(router, "/api/send", `{}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
