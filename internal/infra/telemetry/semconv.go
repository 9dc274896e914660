// Package telemetry provides semantic conventions for FanRide observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for FanRide-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventKind annotates counters/histograms with the canonical event classification (e.g. matchStateUpdated).
	AttrEventKind = attribute.Key("event.kind")
	// AttrStream identifies the match stream a signal belongs to.
	AttrStream = attribute.Key("stream.id")
	// AttrContainer names the document store container an operation touched.
	AttrContainer = attribute.Key("container")
	// AttrFeedRange identifies the change feed range a processor instance owns.
	AttrFeedRange = attribute.Key("feed.range")
	// AttrProjectionMode distinguishes live tailing from a from-scratch rebuild.
	AttrProjectionMode = attribute.Key("projection.mode")
	// AttrOperation differentiates specific store or pipeline operations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/test/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrCommandType indicates which client command (subscribe/sendMetrics/etc.) was processed.
	AttrCommandType = attribute.Key("command.type")
	// AttrStatus communicates the success/failure state of a client command.
	AttrStatus = attribute.Key("status")
	// AttrChannel labels hub broadcasts with the outbound channel type.
	AttrChannel = attribute.Key("channel")
)

// Projection mode values
const (
	ProjectionModeLive    = "live"
	ProjectionModeRebuild = "rebuild"
)

// Helper functions for creating common attribute sets

// EventAttributes returns common attributes for event pipeline metrics.
func EventAttributes(environment, eventKind, stream string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventKind.String(eventKind),
		AttrStream.String(stream),
	}
}

// ProjectionAttributes returns attributes for change feed processor metrics.
func ProjectionAttributes(environment, mode, feedRange string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProjectionMode.String(mode),
	}
	if feedRange != "" {
		attrs = append(attrs, AttrFeedRange.String(feedRange))
	}
	return attrs
}

// StoreAttributes returns attributes for document store operation metrics.
func StoreAttributes(environment, container, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrContainer.String(container),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// CommandAttributes returns attributes for websocket command metrics.
func CommandAttributes(environment, commandType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCommandType.String(commandType),
		AttrStatus.String(status),
	}
}

// BroadcastAttributes returns attributes for hub broadcast metrics.
func BroadcastAttributes(environment, channel, stream string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
	if stream != "" {
		attrs = append(attrs, AttrStream.String(stream))
	}
	return attrs
}
