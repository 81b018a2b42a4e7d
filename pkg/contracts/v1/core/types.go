package core

import (
	ev "github.com/atlas/incident-replay-engine/api/evaluation"
	tel "github.com/atlas/incident-replay-engine/api/telemetry"
)

// Telemetry contracts.
type RecordKind = tel.RecordKind
type TelemetryRecord = tel.Record
type MetricPayload = tel.MetricPayload
type LogPayload = tel.LogPayload
type TracePayload = tel.TracePayload
type Field = tel.Field

// Evaluation contracts.
type PredictedFault = ev.PredictedFault
type Submission = ev.Submission
type ScoringPoint = ev.ScoringPoint
type GradedAspect = ev.GradedAspect
type Report = ev.Report
