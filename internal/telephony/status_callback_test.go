package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"call-scheduler/internal/calls"

	"github.com/gin-gonic/gin"
)

func TestParseStatusCallback_Form(t *testing.T) {
	body := strings.NewReader("call_id=abc&status=Ringing")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	cb, err := ParseStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cb.CallID != "abc" || cb.Status != calls.StatusRinging {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func TestParseStatusCallback_JSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", strings.NewReader(`{"call_id":"abc","status":"connected"}`))
	r.Header.Set("Content-Type", "application/json")
	cb, err := ParseStatusCallback(r)
	if err != nil || cb.Status != calls.StatusConnected {
		t.Fatalf("unexpected result: %+v %v", cb, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", strings.NewReader(`{"call":{"id":"xyz","status":"completed"}}`))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	cb, err = ParseStatusCallback(r)
	if err != nil || cb.CallID != "xyz" || cb.Status != calls.StatusCompleted {
		t.Fatalf("expected envelope shape accepted, got %+v %v", cb, err)
	}
}

func TestParseStatusCallback_Rejects(t *testing.T) {
	cases := []string{
		`{"status":"ringing"}`,
		`{"call_id":"abc","status":"on-hold"}`,
		`not json`,
	}
	for _, in := range cases {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", strings.NewReader(in))
		r.Header.Set("Content-Type", "application/json")
		if _, err := ParseStatusCallback(r); !errors.Is(err, ErrInvalidCallback) {
			t.Fatalf("%q: expected ErrInvalidCallback, got %v", in, err)
		}
	}
}

type fakeSink struct {
	gotID     string
	gotStatus calls.Status
	applied   bool
	err       error
}

func (f *fakeSink) ApplyExternal(ctx context.Context, id string, st calls.Status) (bool, error) {
	f.gotID, f.gotStatus = id, st
	return f.applied, f.err
}

func newCallbackRouter(h StatusCallbackHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/calls/status", h.Handle)
	return r
}

func TestStatusCallbackHandler(t *testing.T) {
	sink := &fakeSink{applied: true}
	r := newCallbackRouter(StatusCallbackHandler{Sink: sink, Secret: "s3cret"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", strings.NewReader(`{"call_id":"abc","status":"ringing"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", strings.NewReader(`{"call_id":"abc","status":"ringing"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerWebhookSecret, "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sink.gotID != "abc" || sink.gotStatus != calls.StatusRinging {
		t.Fatalf("sink not called with parsed values: %+v", sink)
	}
}

func TestStatusCallbackHandler_UnknownCall(t *testing.T) {
	r := newCallbackRouter(StatusCallbackHandler{Sink: &fakeSink{err: calls.ErrNotFound}})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", strings.NewReader("call_id=zzz&status=failed"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
