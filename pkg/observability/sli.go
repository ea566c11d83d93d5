package observability

import (
	"fmt"
	"sync"
)

// SLISource defines where an SLI draws its data from.
type SLISource string

const (
	SLISourceMetric SLISource = "METRIC"
	SLISourceLog    SLISource = "LOG"
	SLISourceTrace  SLISource = "TRACE"
	SLISourceProbe  SLISource = "PROBE"
)

// SLI defines a Service Level Indicator tied to a broker guarantee.
type SLI struct {
	SLIID           string    `json:"sli_id"`
	Name            string    `json:"name"`
	Operation       string    `json:"operation"` // establish, send_intent, respond, close, deliver, verify
	Guarantee       string    `json:"guarantee"` // the behavior the indicator guards
	Source          SLISource `json:"source"`
	Unit            string    `json:"unit"`              // ms, %, count, etc.
	GoodEventQuery  string    `json:"good_event_query"`  // what counts as good
	TotalEventQuery string    `json:"total_event_query"` // total events
	LinkedSLOID     string    `json:"linked_slo_id,omitempty"`
}

// DefaultSLIs returns the indicators the broker ships with. Queries are
// phrased against the accord.* OTLP metrics.
func DefaultSLIs() []*SLI {
	return []*SLI{
		{
			SLIID:           "sli-admission-latency",
			Name:            "Admission Latency",
			Operation:       "send_intent",
			Guarantee:       "admission decisions resolve within the decision deadline",
			Source:          SLISourceMetric,
			Unit:            "s",
			GoodEventQuery:  `accord.broker.latency{accord.operation="send_intent", le="2.5"}`,
			TotalEventQuery: `accord.broker.latency{accord.operation="send_intent"}`,
		},
		{
			SLIID:           "sli-admission-success",
			Name:            "Admission Success Ratio",
			Operation:       "send_intent",
			Guarantee:       "well-formed intents are not refused for broker-internal reasons",
			Source:          SLISourceMetric,
			Unit:            "%",
			GoodEventQuery:  `accord.broker.requests.total{accord.operation="send_intent"} - accord.broker.failures.total{accord.operation="send_intent"}`,
			TotalEventQuery: `accord.broker.requests.total{accord.operation="send_intent"}`,
		},
		{
			SLIID:           "sli-delivery-ack",
			Name:            "Delivery Acknowledgement",
			Operation:       "deliver",
			Guarantee:       "queued frames are acknowledged or finalized on the chain",
			Source:          SLISourceMetric,
			Unit:            "%",
			GoodEventQuery:  `accord.broker.requests.total{accord.operation="deliver"} - accord.broker.failures.total{accord.operation="deliver"}`,
			TotalEventQuery: `accord.broker.requests.total{accord.operation="deliver"}`,
		},
		{
			SLIID:           "sli-chain-continuity",
			Name:            "Chain Continuity",
			Operation:       "verify",
			Guarantee:       "replayed continuity hashes match the stored head",
			Source:          SLISourceProbe,
			Unit:            "%",
			GoodEventQuery:  `accord.broker.requests.total{accord.operation="verify"} - accord.broker.failures.total{accord.operation="verify"}`,
			TotalEventQuery: `accord.broker.requests.total{accord.operation="verify"}`,
		},
		{
			SLIID:           "sli-establish-latency",
			Name:            "Establishment Latency",
			Operation:       "establish",
			Guarantee:       "relationship establishment commits promptly",
			Source:          SLISourceMetric,
			Unit:            "s",
			GoodEventQuery:  `accord.broker.latency{accord.operation="establish", le="0.5"}`,
			TotalEventQuery: `accord.broker.latency{accord.operation="establish"}`,
		},
	}
}

// SLIRegistry manages SLI definitions.
type SLIRegistry struct {
	mu   sync.Mutex
	slis map[string]*SLI     // sliID → SLI
	byOp map[string][]string // operation → sliIDs
}

// NewSLIRegistry creates a new registry.
func NewSLIRegistry() *SLIRegistry {
	return &SLIRegistry{
		slis: make(map[string]*SLI),
		byOp: make(map[string][]string),
	}
}

// Register adds an SLI definition.
func (r *SLIRegistry) Register(sli *SLI) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sli.SLIID == "" || sli.Name == "" || sli.Operation == "" {
		return fmt.Errorf("SLI requires id, name, and operation")
	}

	r.slis[sli.SLIID] = sli
	r.byOp[sli.Operation] = append(r.byOp[sli.Operation], sli.SLIID)
	return nil
}

// Get retrieves an SLI by ID.
func (r *SLIRegistry) Get(sliID string) (*SLI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sli, ok := r.slis[sliID]
	if !ok {
		return nil, fmt.Errorf("SLI %q not found", sliID)
	}
	return sli, nil
}

// ByOperation returns all SLIs for a given operation.
func (r *SLIRegistry) ByOperation(operation string) []*SLI {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*SLI
	for _, id := range r.byOp[operation] {
		result = append(result, r.slis[id])
	}
	return result
}

// LinkToSLO links an SLI to an SLO.
func (r *SLIRegistry) LinkToSLO(sliID, sloID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sli, ok := r.slis[sliID]
	if !ok {
		return fmt.Errorf("SLI %q not found", sliID)
	}
	sli.LinkedSLOID = sloID
	return nil
}

// Count returns the number of registered SLIs.
func (r *SLIRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slis)
}
