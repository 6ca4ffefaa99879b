package models

// UnavailableOutput marks a probe command that produced no usable output.
// Probe failures are mapped to this value and treated as "no evidence".
const UnavailableOutput = "__NOTHING__"

// TagStronglyUnbound marks two entities an operator decided must never be
// linked, regardless of correlation evidence. The tag value is a list of
// [plugin_name, local_id] pairs.
const TagStronglyUnbound = "strongly_unbound_with"

// NotificationCorrelationContradiction is the category of warnings raised
// when probe evidence disagrees with an id already on file.
const NotificationCorrelationContradiction = "CORRELATION_CONTRADICTION"

// CorrelationReason records why two entities were proposed for a Link.
type CorrelationReason string

const (
	// ReasonLogic covers static evidence: two adapter entities reporting
	// the same identity without a remote probe.
	ReasonLogic CorrelationReason = "Logic"
	// ReasonExecution covers a remote probe on one entity directly
	// reporting another adapter's id.
	ReasonExecution CorrelationReason = "Execution"
	// ReasonNonexistentDeduction covers two entities whose probes both
	// reported the same id that no entity currently carries.
	ReasonNonexistentDeduction CorrelationReason = "NonexistentDeduction"
)

// CorrelationMember names one side of a proposed Link. Plugin holds a
// source_plugin_id for resolved members and a plugin product name when the
// member was observed by a probe but not yet resolved to an instance.
type CorrelationMember struct {
	Plugin  string `json:"plugin"`
	LocalID string `json:"local_id"`
}

// CorrelationResult proposes a Link between exactly two adapter entities.
// Chained correlations require multiple passes.
type CorrelationResult struct {
	First  CorrelationMember `json:"first"`
	Second CorrelationMember `json:"second"`
	Reason CorrelationReason `json:"reason"`
}

// WarningResult reports correlation evidence that must not produce a Link,
// most importantly contradictions. Content carries the structured detail:
// for contradictions, [internal_id, plugin_name, expected_id, observed_id].
type WarningResult struct {
	Message          string   `json:"message"`
	Content          []string `json:"content"`
	NotificationType string   `json:"notification_type"`
}

// ExecutionOutcome is one entity's probe result: the adapter instance that
// answered, plus the ids the probe observed per adapter product name.
// Missing or failed outputs are recorded as UnavailableOutput.
type ExecutionOutcome struct {
	ResponderPluginID string            `json:"responder_plugin_id"`
	ResponderLocalID  string            `json:"responder_local_id"`
	Observed          map[string]string `json:"observed"`
}
