// Package core assembles the import pipeline behind a single Service.
//
// The Service is what transports (the HTTP server, the importctl CLI) talk
// to. It owns one of each long-lived component and starts and stops them in
// order:
//
//   - events.Bus: the typed event queue. Every event goes through it to the
//     log, the per-session SSE broadcaster, the WebSocket hub, and the
//     workflow orchestrator.
//   - workflow.Orchestrator: parsing, mapping suggestion, preview, and the
//     approval state machine.
//   - batch.Processor: concurrent batch execution, retries, and cancellation.
//
// # Upload Flow
//
//  1. Client calls [Service.Upload] with the raw file bytes
//  2. The orchestrator parses with every applicable strategy and keeps the
//     most confident result
//  3. Field mappings are suggested; if their confidence clears the threshold
//     a preview is generated and the session waits for approval
//  4. [Service.Approve] hands the rows to the batch processor
//  5. Progress is pushed to subscribers via [Service.Subscribe] and the hub
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a code prefix for support reference:
//
//   - PARSE: format recovery (no strategy could read the file)
//   - VAL: record validation
//   - BATCH: batch execution and retries
//   - WF: workflow transitions and guards
//   - DB: persistence
//   - IMP: session control
//
// # Maintenance
//
// [Service.StartCleanupScheduler] evicts finished sessions from memory after
// the configured retention. Persisted state is kept.
package core
