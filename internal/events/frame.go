package events

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/devicehub/hubevents/internal/codec"
)

// Wire field names.
const (
	fieldResult             = "result"
	fieldCode               = "code"
	fieldCorrelationID      = "correlationId"
	fieldSubscriptionID     = "subscriptionId"
	fieldOperationProcessed = "operationProcessed"
	fieldErrorStatus        = "errorStatus"

	statusOK = "OK"
)

// Frame is a decoded inbound frame: AckFrame, EventFrame or ErrorFrame.
type Frame interface {
	frame()
}

// AckFrame acknowledges a createSubscription request.
type AckFrame struct {
	CorrelationID  string
	SubscriptionID string
	Code           string // errorStatus.code, "OK" on success
}

// OK reports whether the hub accepted the subscription.
func (f AckFrame) OK() bool { return f.Code == statusOK }

// EventFrame carries one event for a subscription.
type EventFrame struct {
	CorrelationID  string
	SubscriptionID string
	Payload        EventPayload
}

// ErrorFrame is any frame with a non-zero code.
type ErrorFrame struct {
	Code          int64
	CorrelationID string
}

func (AckFrame) frame()   {}
func (EventFrame) frame() {}
func (ErrorFrame) frame() {}

// subscribeRequest is sent to open or re-open a subscription.
type subscribeRequest struct {
	CreateSubscription any    `json:"createSubscription"`
	CorrelationID      string `json:"correlationId"`
}

// cancelRequest is sent to close a subscription the hub has acknowledged.
type cancelRequest struct {
	CancelSubscription cancelSubscription `json:"cancelSubscription"`
}

type cancelSubscription struct {
	SubscriptionID string `json:"subscriptionId"`
}

// DecodeFrame decodes one inbound frame.
//
// A frame with a non-zero code is an ErrorFrame. Otherwise a result carrying
// operationProcessed is an AckFrame and anything else is an EventFrame whose
// payload is the result minus correlationId, subscriptionId and
// operationProcessed. A frame without a correlation id decodes fine; routing
// drops it.
func DecodeFrame(c codec.Codec, data []byte) (Frame, error) {
	var raw map[string]any
	if err := c.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	result, _ := raw[fieldResult].(map[string]any)
	correlationID, _ := result[fieldCorrelationID].(string)

	if v, ok := raw[fieldCode]; ok && v != nil {
		code, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("decode frame code: %w", err)
		}
		if code != 0 {
			return ErrorFrame{Code: code, CorrelationID: correlationID}, nil
		}
	}

	subscriptionID, _ := result[fieldSubscriptionID].(string)

	if op, ok := result[fieldOperationProcessed]; ok {
		return AckFrame{
			CorrelationID:  correlationID,
			SubscriptionID: subscriptionID,
			Code:           ackCode(op),
		}, nil
	}

	payload := make(EventPayload, len(result))
	for k, v := range result {
		switch k {
		case fieldCorrelationID, fieldSubscriptionID, fieldOperationProcessed:
			continue
		}
		payload[k] = v
	}

	return EventFrame{
		CorrelationID:  correlationID,
		SubscriptionID: subscriptionID,
		Payload:        payload,
	}, nil
}

// ackCode extracts operationProcessed.errorStatus.code as a string.
func ackCode(op any) string {
	m, _ := op.(map[string]any)
	status, _ := m[fieldErrorStatus].(map[string]any)
	switch code := status[fieldCode].(type) {
	case nil:
		return ""
	case string:
		return code
	default:
		return fmt.Sprint(code)
	}
}

// toInt64 normalises a numeric code from JSON (float64) or CBOR (int/uint).
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integer code %v", n)
		}
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("code %d out of range", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("unexpected code type %T", v)
	}
}
