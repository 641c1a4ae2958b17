package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the pipeline engine.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	transitionsTotal      = make(map[transitionKey]int64)
	submissionsTotal      = make(map[submitKey]int64)
	webhooksTotal         = make(map[webhookKey]int64)
	versionConflictsTotal = make(map[string]int64)
	duplicateSignalsTotal = make(map[string]int64)
	sweeperRecoveries     = make(map[sweepKey]int64)

	retentionWorkflowsDeleted int64
	retentionEventsDeleted    int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type transitionKey struct {
	Tenant string
	From   string
	To     string
}

type submitKey struct {
	Provider string
	Outcome  string
}

type webhookKey struct {
	Provider string
	Outcome  string
}

type sweepKey struct {
	Stage   string
	Outcome string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordTransition increments the workflow status transition counter.
func RecordTransition(tenant, from, to string) {
	mu.Lock()
	defer mu.Unlock()
	transitionsTotal[transitionKey{Tenant: tenant, From: from, To: to}]++
}

// RecordSubmit counts stage submissions per provider and outcome
// ("ok" or "error").
func RecordSubmit(provider, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	submissionsTotal[submitKey{Provider: provider, Outcome: outcome}]++
}

// RecordWebhook counts inbound webhook deliveries per provider and
// outcome ("ok", "bad_signature", "bad_payload", "unknown_job").
func RecordWebhook(provider, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	webhooksTotal[webhookKey{Provider: provider, Outcome: outcome}]++
}

// RecordVersionConflict counts conditional updates that lost the race,
// labeled by the operation that attempted them.
func RecordVersionConflict(op string) {
	mu.Lock()
	defer mu.Unlock()
	versionConflictsTotal[op]++
}

// RecordDuplicateSignal counts completion signals ignored because the
// workflow had already moved on or the job id did not match.
func RecordDuplicateSignal(stage string) {
	mu.Lock()
	defer mu.Unlock()
	duplicateSignalsTotal[stage]++
}

// RecordSweep counts workflows the recovery sweeper acted on, labeled
// by stage and outcome ("completed", "failed", "requeued", "skipped").
func RecordSweep(stage, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	sweeperRecoveries[sweepKey{Stage: stage, Outcome: outcome}]++
}

// RecordRetentionWorkflows increments the counter of terminal workflows
// deleted by TTL cleanup.
func RecordRetentionWorkflows(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionWorkflowsDeleted += deleted
}

// RecordRetentionEvents increments the counter of webhook audit events
// deleted by TTL cleanup.
func RecordRetentionEvents(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionEventsDeleted += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP clipflow_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE clipflow_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "clipflow_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP clipflow_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE clipflow_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP clipflow_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE clipflow_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "clipflow_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "clipflow_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	// Workflow transitions
	b.WriteString("# HELP clipflow_workflow_transitions_total Total workflow status transitions\n")
	b.WriteString("# TYPE clipflow_workflow_transitions_total counter\n")

	var trKeys []transitionKey
	for k := range transitionsTotal {
		trKeys = append(trKeys, k)
	}
	sort.Slice(trKeys, func(i, j int) bool {
		if trKeys[i].Tenant != trKeys[j].Tenant {
			return trKeys[i].Tenant < trKeys[j].Tenant
		}
		if trKeys[i].From != trKeys[j].From {
			return trKeys[i].From < trKeys[j].From
		}
		return trKeys[i].To < trKeys[j].To
	})

	for _, k := range trKeys {
		v := transitionsTotal[k]
		fmt.Fprintf(&b, "clipflow_workflow_transitions_total{tenant=\"%s\",from=\"%s\",to=\"%s\"} %d\n",
			k.Tenant, k.From, k.To, v)
	}

	// Stage submissions
	b.WriteString("# HELP clipflow_stage_submissions_total Total stage submissions by provider\n")
	b.WriteString("# TYPE clipflow_stage_submissions_total counter\n")

	var subKeys []submitKey
	for k := range submissionsTotal {
		subKeys = append(subKeys, k)
	}
	sort.Slice(subKeys, func(i, j int) bool {
		if subKeys[i].Provider != subKeys[j].Provider {
			return subKeys[i].Provider < subKeys[j].Provider
		}
		return subKeys[i].Outcome < subKeys[j].Outcome
	})

	for _, k := range subKeys {
		v := submissionsTotal[k]
		fmt.Fprintf(&b, "clipflow_stage_submissions_total{provider=\"%s\",outcome=\"%s\"} %d\n",
			k.Provider, k.Outcome, v)
	}

	// Webhook deliveries
	b.WriteString("# HELP clipflow_webhooks_total Total inbound webhook deliveries\n")
	b.WriteString("# TYPE clipflow_webhooks_total counter\n")

	var whKeys []webhookKey
	for k := range webhooksTotal {
		whKeys = append(whKeys, k)
	}
	sort.Slice(whKeys, func(i, j int) bool {
		if whKeys[i].Provider != whKeys[j].Provider {
			return whKeys[i].Provider < whKeys[j].Provider
		}
		return whKeys[i].Outcome < whKeys[j].Outcome
	})

	for _, k := range whKeys {
		v := webhooksTotal[k]
		fmt.Fprintf(&b, "clipflow_webhooks_total{provider=\"%s\",outcome=\"%s\"} %d\n",
			k.Provider, k.Outcome, v)
	}

	// Version conflicts
	b.WriteString("# HELP clipflow_version_conflicts_total Conditional updates that lost a concurrent race\n")
	b.WriteString("# TYPE clipflow_version_conflicts_total counter\n")

	var ops []string
	for op := range versionConflictsTotal {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(&b, "clipflow_version_conflicts_total{op=\"%s\"} %d\n", op, versionConflictsTotal[op])
	}

	// Duplicate completion signals
	b.WriteString("# HELP clipflow_duplicate_signals_total Completion signals ignored as duplicates\n")
	b.WriteString("# TYPE clipflow_duplicate_signals_total counter\n")

	var stages []string
	for s := range duplicateSignalsTotal {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	for _, s := range stages {
		fmt.Fprintf(&b, "clipflow_duplicate_signals_total{stage=\"%s\"} %d\n", s, duplicateSignalsTotal[s])
	}

	// Sweeper recoveries
	b.WriteString("# HELP clipflow_sweeper_recoveries_total Stuck workflows acted on by the recovery sweeper\n")
	b.WriteString("# TYPE clipflow_sweeper_recoveries_total counter\n")

	var swKeys []sweepKey
	for k := range sweeperRecoveries {
		swKeys = append(swKeys, k)
	}
	sort.Slice(swKeys, func(i, j int) bool {
		if swKeys[i].Stage != swKeys[j].Stage {
			return swKeys[i].Stage < swKeys[j].Stage
		}
		return swKeys[i].Outcome < swKeys[j].Outcome
	})

	for _, k := range swKeys {
		v := sweeperRecoveries[k]
		fmt.Fprintf(&b, "clipflow_sweeper_recoveries_total{stage=\"%s\",outcome=\"%s\"} %d\n",
			k.Stage, k.Outcome, v)
	}

	// Retention metrics
	b.WriteString("# HELP clipflow_retention_workflows_deleted_total Total terminal workflows deleted by TTL\n")
	b.WriteString("# TYPE clipflow_retention_workflows_deleted_total counter\n")
	fmt.Fprintf(&b, "clipflow_retention_workflows_deleted_total %d\n", retentionWorkflowsDeleted)

	b.WriteString("# HELP clipflow_retention_webhook_events_deleted_total Total webhook audit events deleted by TTL\n")
	b.WriteString("# TYPE clipflow_retention_webhook_events_deleted_total counter\n")
	fmt.Fprintf(&b, "clipflow_retention_webhook_events_deleted_total %d\n", retentionEventsDeleted)

	return b.String()
}
