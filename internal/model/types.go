package model

import (
	"errors"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Event Types
// -----------------------------------------------------------------------------

// EventType names a kind of event the hub can push.
type EventType string

const (
	EventRegistered                  EventType = "REGISTERED"
	EventUnregistered                EventType = "UNREGISTERED"
	EventDeviceMetadataUpdated       EventType = "DEVICE_METADATA_UPDATED"
	EventDeviceMetadataUpdatePending EventType = "DEVICE_METADATA_UPDATE_PENDING"
	EventResourcePublished           EventType = "RESOURCE_PUBLISHED"
	EventResourceUnpublished         EventType = "RESOURCE_UNPUBLISHED"
	EventResourceChanged             EventType = "RESOURCE_CHANGED"
	EventResourceUpdatePending       EventType = "RESOURCE_UPDATE_PENDING"
	EventResourceUpdated             EventType = "RESOURCE_UPDATED"
	EventResourceRetrievePending     EventType = "RESOURCE_RETRIEVE_PENDING"
	EventResourceRetrieved           EventType = "RESOURCE_RETRIEVED"
	EventResourceDeletePending       EventType = "RESOURCE_DELETE_PENDING"
	EventResourceDeleted             EventType = "RESOURCE_DELETED"
	EventResourceCreatePending       EventType = "RESOURCE_CREATE_PENDING"
	EventResourceCreated             EventType = "RESOURCE_CREATED"
)

var knownEventTypes = map[EventType]struct{}{
	EventRegistered:                  {},
	EventUnregistered:                {},
	EventDeviceMetadataUpdated:       {},
	EventDeviceMetadataUpdatePending: {},
	EventResourcePublished:           {},
	EventResourceUnpublished:         {},
	EventResourceChanged:             {},
	EventResourceUpdatePending:       {},
	EventResourceUpdated:             {},
	EventResourceRetrievePending:     {},
	EventResourceRetrieved:           {},
	EventResourceDeletePending:       {},
	EventResourceDeleted:             {},
	EventResourceCreatePending:       {},
	EventResourceCreated:             {},
}

// ParseEventType normalises s (case-insensitive) to a known EventType.
func ParseEventType(s string) (EventType, error) {
	et := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownEventTypes[et]; !ok {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return et, nil
}

// ParseEventTypes parses a comma separated list such as "registered,unregistered".
func ParseEventTypes(s string) ([]EventType, error) {
	var out []EventType
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		et, err := ParseEventType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, et)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Subscription Specs
// -----------------------------------------------------------------------------

// ResourceID identifies one resource of one device.
type ResourceID struct {
	DeviceID string `json:"deviceId" cbor:"deviceId" yaml:"device_id"`
	Href     string `json:"href" cbor:"href" yaml:"href"`
}

// SubscriptionSpec is the createSubscription payload. It is sent to the hub
// verbatim; empty filters are omitted.
type SubscriptionSpec struct {
	EventFilter      []EventType  `json:"eventFilter,omitempty" cbor:"eventFilter,omitempty"`
	DeviceIDFilter   []string     `json:"deviceIdFilter,omitempty" cbor:"deviceIdFilter,omitempty"`
	ResourceIDFilter []ResourceID `json:"resourceIdFilter,omitempty" cbor:"resourceIdFilter,omitempty"`
}

// Validate checks that every filter entry is usable.
func (s SubscriptionSpec) Validate() error {
	if len(s.EventFilter) == 0 {
		return errors.New("eventFilter must not be empty")
	}
	for _, et := range s.EventFilter {
		if _, ok := knownEventTypes[et]; !ok {
			return fmt.Errorf("unknown event type %q", et)
		}
	}
	for i, id := range s.DeviceIDFilter {
		if id == "" {
			return fmt.Errorf("deviceIdFilter[%d] is empty", i)
		}
	}
	for i, r := range s.ResourceIDFilter {
		if r.DeviceID == "" || r.Href == "" {
			return fmt.Errorf("resourceIdFilter[%d] needs both deviceId and href", i)
		}
	}
	return nil
}
