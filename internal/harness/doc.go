// Package harness replays coordination scenarios written in YAML and records
// what the coordination core did at every step.
//
// # Scenario Format
//
//	name: pr_status
//	description: "Status updates for one pull request"
//	steps:
//	  - op: append
//	    domain: pr
//	    channel: "12"
//	    id: m1
//	    payload: {state: queued}
//	  - op: append
//	    domain: pr
//	    channel: "12"
//	    id: m1
//	    payload: {state: running}
//	    expect_error: conflict
//	  - op: update
//	    domain: head
//	    item: "12"
//	    fragment: {sha: abc123}
//	  - op: read_dict
//	    domain: head
//	    item: "12"
//	    path: sha
//	    expect: abc123
//	  - op: check_and_set
//	    domain: greeted
//	    item: "12"
//	    expect: false
//
// # Operations
//
//   - append: channel append (domain, channel, id, payload, final)
//   - update: dict merge (domain, item, fragment); observes the entry afterwards
//   - check_and_set: idempotency flag (domain, item); observes "seen before"
//   - read_channel: observes the payloads stored on (domain, channel)
//   - read_dict: observes the entry (domain, item), or the value at path
//
// A step with expect_error must fail with that error code (conflict or
// closed). A step with expect must observe exactly that value. Anything else
// is recorded as a mismatch in Result.Errors; storage failures abort Run.
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON trace against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
