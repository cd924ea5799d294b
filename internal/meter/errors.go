package meter

import "errors"

// ErrFragmented is returned when a telemetry message does not declare itself
// complete (isend != "1"). Split payloads are not implemented for the KPM33B;
// the condition must always surface rather than be silently dropped, since a
// fragment misread as a complete message would corrupt downstream metrics.
var ErrFragmented = errors.New("meter: fragmented payload not supported")
