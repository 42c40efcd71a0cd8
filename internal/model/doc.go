// Package model defines the domain types shared by the event client.
//
// Conventions:
//   - Subscription specs serialise with the hub's lowerCamelCase field names
//   - Event types are the upper-case names used by the hub (e.g. "REGISTERED")
//   - Device IDs and resource hrefs are opaque strings
package model
