// Package harness runs funnel scenarios against the workflow engine.
//
// A scenario starts instances, moves a frozen clock and executes due stages
// with stubbed query results, then asserts on the recorded trace and on the
// final stage of each instance. Every run uses a fresh in-memory SQLite
// store, a manual clock and sequential ids, so traces are reproducible and
// can be compared against golden files.
//
// # Scenario Format
//
//	name: welcome_unsubscribe
//	description: "An unsubscribe redirects the funnel to bye"
//	funnels: ../funnels          # relative to the scenario file
//	clock: "2026-03-02T08:00:00Z"
//	location: Europe/Berlin
//	queries:                     # stub result rows per query ref
//	  profile.sql:
//	    - { client_id: c-42 }
//	flow:
//	  - start: { funnel: welcome, ident: "42", js: { plan: trial } }
//	  - run_due: true
//	  - wait: 1d
//	  - queries: { unsubscribed.sql: [ { id: 1 } ] }
//	  - run_due: true
//	assertions:
//	  - type: trace_contains
//	    event: redirected
//	    match: { stage: bye }
//	  - type: trace_order
//	    events: [started:greet, executed:greet, executed:bye, finished]
//	  - type: trace_count
//	    event: message
//	    count: 2
//	  - type: final_state
//	    funnel: welcome
//	    ident: "42"
//	    expect: { stage: bye, open: false }
//
// # Trace Events
//
// started, already_running, message, redirected, executed, stalled, failed
// and finished. Each carries the funnel, ident and stage it concerns and the
// clock reading when it happened.
package harness
