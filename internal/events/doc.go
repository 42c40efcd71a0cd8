// Package events multiplexes logical event subscriptions over one hub
// WebSocket connection.
//
// Callers register a subscription under a correlation id of their choosing.
// The Multiplexer sends the createSubscription request, learns the
// server-assigned subscription id from the acknowledgment, and routes every
// event frame carrying that correlation id to the registered listener.
//
// Connection lifecycle:
//
//	INIT --Start--> CONNECTING --open--> OPEN --close--> CLOSED
//	                    ^                                  |
//	                    +------ reconnect (bounded) -------+
//
// On every open the registry is re-sent in registration order and each
// listener is muted for the listener-enable delay, which hides the replay
// burst the hub sends on (re)subscription. Subscribe calls made while the
// connection is down are queued and drained on the next open.
//
// Reconnects stop after MaxReconnectAttempts consecutive closes; OnGiveUp
// fires and Connect must be called to try again.
package events
