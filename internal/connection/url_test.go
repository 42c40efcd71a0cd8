package connection

import (
	"errors"
	"testing"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name    string
		gateway string
		path    string
		want    string
		wantErr bool
	}{
		{"https gives wss", "https://hub.example.com", "/api/v1/ws/events", "wss://hub.example.com/api/v1/ws/events", false},
		{"http gives ws", "http://localhost:8080", "/api/v1/ws/events", "ws://localhost:8080/api/v1/ws/events", false},
		{"wss stays wss", "wss://hub.example.com", "/ws", "wss://hub.example.com/ws", false},
		{"gateway path ignored", "https://hub.example.com/ui/", "/api/v1/ws/events", "wss://hub.example.com/api/v1/ws/events", false},
		{"path without slash", "https://hub.example.com", "ws/events", "wss://hub.example.com/ws/events", false},
		{"path with query", "http://hub:80", "/api/v1/ws/devices?deviceId=dev-1", "ws://hub:80/api/v1/ws/devices?deviceId=dev-1", false},
		{"uppercase scheme", "HTTPS://hub.example.com", "/x", "wss://hub.example.com/x", false},
		{"missing host", "hub.example.com", "/x", "", true},
		{"empty", "", "/x", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildURL(tt.gateway, tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGateway) {
					t.Errorf("BuildURL() error = %v, want ErrInvalidGateway", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
