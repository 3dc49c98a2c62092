package ingest

import (
	"encoding/hex"
	"encoding/json"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// DecodeExportRequest parses an OTLP/HTTP protobuf body and flattens
// every span across every resource/scope into DecodedSpans ready for
// Ingestor.Ingest.
func DecodeExportRequest(body []byte) ([]DecodedSpan, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	var spans []DecodedSpan
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				spans = append(spans, decodeSpan(span))
			}
		}
	}
	return spans, nil
}

func decodeSpan(span *tracepb.Span) DecodedSpan {
	attrs := attrMap(span.GetAttributes())

	d := DecodedSpan{
		SpanID:        hex.EncodeToString(span.GetSpanId()),
		RPCSystem:     attrs.str("rpc.system"),
		RPCService:    attrs.str("rpc.service"),
		RPCMethod:     attrs.str("rpc.method"),
		ResponseBytes: attrs.int("mcp.response_size_bytes"),
		DurationMs:    attrs.int("mcp.duration_ms"),
	}

	if span.GetKind() == tracepb.Span_SPAN_KIND_CLIENT {
		d.Kind = "client"
	}

	if v, ok := attrs.lookup("mcp.task_id"); ok {
		if s, isStr := v.(string); isStr {
			d.TaskIDString = s
		} else if n, isInt := v.(int64); isInt {
			d.TaskIDInt = n
			d.HasIntTaskID = true
		}
	}

	if raw := attrs.str("mcp.request"); raw != "" {
		d.Request = json.RawMessage(raw)
	}
	if raw := attrs.str("mcp.response"); raw != "" {
		d.Response = json.RawMessage(raw)
	}

	if status := span.GetStatus(); status != nil && status.GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		d.StatusIsError = true
		d.StatusMessage = status.GetMessage()
	}

	return d
}

type attributes map[string]any

func attrMap(kvs []*commonpb.KeyValue) attributes {
	m := make(attributes, len(kvs))
	for _, kv := range kvs {
		v := kv.GetValue()
		switch {
		case v.GetStringValue() != "":
			m[kv.GetKey()] = v.GetStringValue()
		case v.GetIntValue() != 0:
			m[kv.GetKey()] = v.GetIntValue()
		default:
			// Only string/int attributes are read; anything else (bool,
			// double, array, kvlist, or a genuine zero value) is skipped
			// rather than misrepresented.
		}
	}
	return m
}

func (a attributes) lookup(key string) (any, bool) {
	v, ok := a[key]
	return v, ok
}

func (a attributes) str(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

func (a attributes) int(key string) int64 {
	if v, ok := a[key].(int64); ok {
		return v
	}
	return 0
}
