package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys attached to execution spans so they can be
// correlated by loaderCode/correlationId.
const (
	AttrLoaderCode    = "loader.code"
	AttrSourceCode    = "loader.source_code"
	AttrCorrelationID = "loader.correlation_id"

	AttrWindowFrom = "loader.window.from"
	AttrWindowTo   = "loader.window.to"
	AttrSegmentSeq = "loader.window.segment"

	AttrRowsExtracted = "loader.rows_extracted"
	AttrRowsIngested  = "loader.rows_ingested"

	AttrDatabaseType = "loader.source.database_type"
)

// ExecutionAttributes returns the core attribute set for one execution span.
func ExecutionAttributes(loaderCode, sourceCode, correlationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrLoaderCode, loaderCode),
		attribute.String(AttrSourceCode, sourceCode),
		attribute.String(AttrCorrelationID, correlationID),
	}
}

// WindowAttributes returns the attribute set describing a planned time window.
func WindowAttributes(fromRFC3339, toRFC3339 string, segmentSeq int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWindowFrom, fromRFC3339),
		attribute.String(AttrWindowTo, toRFC3339),
		attribute.Int(AttrSegmentSeq, segmentSeq),
	}
}

// RowCountAttributes returns the attribute set describing rows moved through one execution.
func RowCountAttributes(extracted, ingested int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrRowsExtracted, extracted),
		attribute.Int64(AttrRowsIngested, ingested),
	}
}
