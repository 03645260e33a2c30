// Package api exposes external interfaces for submitting capability
// invocations, polling invocation results, and managing capability approval.
// It hosts the REST server used by the client SDK.
package api
