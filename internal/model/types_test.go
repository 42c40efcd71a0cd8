package model

import (
	"encoding/json"
	"testing"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in      string
		want    EventType
		wantErr bool
	}{
		{in: "REGISTERED", want: EventRegistered},
		{in: " resource_changed ", want: EventResourceChanged},
		{in: "bogus", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEventType(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseEventType(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEventType(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseEventType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseEventTypes(t *testing.T) {
	got, err := ParseEventTypes("registered,,UNREGISTERED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != EventRegistered || got[1] != EventUnregistered {
		t.Errorf("got %v", got)
	}

	if _, err := ParseEventTypes("registered,nope"); err == nil {
		t.Error("expected error for unknown entry")
	}
}

func TestSubscriptionSpec_JSONShape(t *testing.T) {
	spec := SubscriptionSpec{EventFilter: []EventType{EventRegistered}}

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if string(data) != `{"eventFilter":["REGISTERED"]}` {
		t.Errorf("got %s", data)
	}
}

func TestSubscriptionSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    SubscriptionSpec
		wantErr string
	}{
		{
			name:    "empty filter",
			spec:    SubscriptionSpec{},
			wantErr: "eventFilter must not be empty",
		},
		{
			name:    "unknown event",
			spec:    SubscriptionSpec{EventFilter: []EventType{"NOPE"}},
			wantErr: `unknown event type "NOPE"`,
		},
		{
			name: "empty device id",
			spec: SubscriptionSpec{
				EventFilter:    []EventType{EventRegistered},
				DeviceIDFilter: []string{""},
			},
			wantErr: "deviceIdFilter[0] is empty",
		},
		{
			name: "resource without href",
			spec: SubscriptionSpec{
				EventFilter:      []EventType{EventResourceChanged},
				ResourceIDFilter: []ResourceID{{DeviceID: "dev-1"}},
			},
			wantErr: "resourceIdFilter[0] needs both deviceId and href",
		},
		{
			name: "valid",
			spec: SubscriptionSpec{
				EventFilter:      []EventType{EventResourceChanged},
				ResourceIDFilter: []ResourceID{{DeviceID: "dev-1", Href: "/light/1"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
