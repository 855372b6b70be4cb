// Package manager is the facade over the model lifecycle subsystem: the
// catalog store, the model cache and loader, the install job queue, the
// converter, the merger and filesystem reconciliation. It is structured into
// small files by concern:
//
//   - manager.go: Service interface, Manager type, catalog queries and edits.
//   - config.go: ManagerConfig and package defaults; NewWithConfig wires the
//     components, Open builds a manager from a runtime config file.
//   - load.go: GetModel with execution-scoped load events and cancellation.
//   - install.go: install submission and job control.
//   - ops.go: convert, merge, search and checkpoint config listing.
//   - sync.go: reconciliation with the legacy models.yaml and the models and
//     autoimport directories.
//   - status_report.go, sanity.go: ops snapshots.
//   - events.go, eventpub_memory.go: event types and an in-memory publisher.
//
// Catalog edits made through any path invalidate cached objects for the
// affected key, because the manager subscribes to store change notifications.
// Handles returned by GetModel stay valid until released even if their entry
// is invalidated meanwhile; later loads never observe the stale object.
package manager
