package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Response is the /exchange envelope. On "err" the response field is a plain
// string; on "ok" it carries per-order statuses.
type Response struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type responseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// OrderStatus is one entry of an order or cancel reply. Exactly one of
// Resting, Filled, Error or Success is set.
type OrderStatus struct {
	Resting *RestingStatus `json:"resting,omitempty"`
	Filled  *FilledStatus  `json:"filled,omitempty"`
	Error   string         `json:"error,omitempty"`
	Success bool           `json:"-"`
}

type RestingStatus struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid,omitempty"`
}

type FilledStatus struct {
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Oid     int64  `json:"oid"`
}

// RejectedError is an action the venue refused as a whole.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "exchange rejected action: " + e.Message
}

// Statuses decodes the per-item statuses of an ok response and fails on any
// shape it does not recognise.
func (r Response) Statuses() ([]OrderStatus, error) {
	switch r.Status {
	case "ok":
	case "err":
		var msg string
		if err := json.Unmarshal(r.Response, &msg); err != nil {
			msg = strings.TrimSpace(string(r.Response))
		}
		return nil, &RejectedError{Message: msg}
	default:
		return nil, fmt.Errorf("unexpected exchange status %q", r.Status)
	}
	var body responseBody
	if err := json.Unmarshal(r.Response, &body); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	out := make([]OrderStatus, 0, len(body.Data.Statuses))
	for i, raw := range body.Data.Statuses {
		st, err := decodeStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("status %d: %w", i, err)
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeStatus(raw json.RawMessage) (OrderStatus, error) {
	var word string
	if err := json.Unmarshal(raw, &word); err == nil {
		if word == "success" {
			return OrderStatus{Success: true}, nil
		}
		return OrderStatus{}, fmt.Errorf("unexpected status %q", word)
	}
	var st OrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return OrderStatus{}, err
	}
	if st.Resting == nil && st.Filled == nil && st.Error == "" {
		return OrderStatus{}, errors.New("status has no resting, filled or error entry")
	}
	return st, nil
}
