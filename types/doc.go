// Package types defines the shared cross-chain vocabulary of xcmon:
// network URNs, waypoints, legs, the normalized event sum type, correlated
// journeys, subscriptions and notification messages.
//
// All types are plain values with JSON wire forms; no package in the module
// is below types in the dependency order.
package types
