// Package services defines the shared error taxonomy for provider and storage
// failures, plus small helpers used by every long-running service call.
package services
