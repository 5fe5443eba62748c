// Package observability exposes OpenTelemetry metrics through a Prometheus
// scrape endpoint.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Setup and commit results.
const (
	ResultCreated      = "created"
	ResultInvalid      = "invalid"
	ResultRemoteError  = "remote_error"
	ResultPublishError = "publish_error"
	ResultClosed       = "closed"
	ResultRefused      = "refused"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String("method", method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", normalizePath(path))
}

// statusAttr groups codes into 2xx/4xx/5xx.
func statusAttr(code int) attribute.KeyValue {
	return attribute.String("status", fmt.Sprintf("%dxx", code/100))
}

func objectAttr(object string) attribute.KeyValue {
	return attribute.String("object", object)
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String("result", result)
}

func phaseAttr(phase string) attribute.KeyValue {
	return attribute.String("phase", phase)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool("success", success)
}

// normalizePath replaces operation ids so label cardinality stays bounded:
// /v1/operations/abc/commit becomes /v1/operations/{operationId}/commit.
func normalizePath(path string) string {
	const prefix = "/v1/operations/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{operationId}" + rest[i:]
	}
	return prefix + "{operationId}"
}
