// Package domain contains the core domain entities and value objects for beamsync.
//
// This package represents the innermost layer of the Clean Architecture. It has
// no dependencies on infrastructure concerns (HTTP, logging, the remote store)
// and contains only pure business logic.
//
// # Entities
//
//   - [Document]: An immutable, timestamped acquisition document (start,
//     descriptor, event, stop) emitted by the acquisition engine
//   - [ExperimentIdentity]: The proposal/data-session identity that is
//     current for one beamline namespace
//   - [Schema]: The enumerated metadata field schema for a namespace
//   - [DeliveryReceipt]: The outcome of one publish attempt
//
// # Design Principles
//
// Domain entities are:
//   - Immutable after construction (where practical)
//   - Free of infrastructure dependencies
//   - Focused on business rules and invariants
//   - Testable without mocks or external systems
package domain
