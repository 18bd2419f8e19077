package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"call-scheduler/internal/calls"
)

// StatusCallback is a push notification from the call service about one call.
// Accepted as JSON or application/x-www-form-urlencoded:
//
//	{"call_id": "...", "status": "ringing"}
//	call_id=...&status=ringing
type StatusCallback struct {
	CallID string       `json:"call_id"`
	Status calls.Status `json:"status"`
}

var ErrInvalidCallback = errors.New("telephony: invalid status callback")

func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	var callID, status string

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json", "":
		var body struct {
			CallID string `json:"call_id"`
			Status string `json:"status"`
			// the poll envelope shape is accepted too
			Call *remoteCall `json:"call,omitempty"`
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			return StatusCallback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return StatusCallback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
		}
		callID, status = body.CallID, body.Status
		if body.Call != nil && callID == "" {
			callID, status = body.Call.ID, body.Call.Status
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return StatusCallback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
		}
		callID, status = r.PostFormValue("call_id"), r.PostFormValue("status")
	default:
		return StatusCallback{}, fmt.Errorf("%w: unsupported content type %q", ErrInvalidCallback, ct)
	}

	callID = strings.TrimSpace(callID)
	if callID == "" {
		return StatusCallback{}, fmt.Errorf("%w: call_id required", ErrInvalidCallback)
	}
	st, ok := calls.ParseStatus(status)
	if !ok {
		return StatusCallback{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, status)
	}
	return StatusCallback{CallID: callID, Status: st}, nil
}
