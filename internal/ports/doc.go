// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// In Clean Architecture / Hexagonal Architecture, ports are the boundaries
// between the application core and the outside world. They define what the
// application needs from external systems without specifying how those needs
// are fulfilled.
//
// # Port Interfaces
//
//   - [StoreClient]: Round-trips to the remote key-value service
//   - [BusTransport]: Publishes serialized documents to the message bus
//   - [Authorizer]: Checks an actor's access to a data session
//   - [FacilityClient]: Looks up cycles and proposal records
//   - [Logger]: Structured logging abstraction
//   - [HTTPClient]: HTTP request abstraction for dependency injection
//
// # Usage
//
// The core packages (cache, publish, switcher) depend only on these
// interfaces. Infrastructure adapters (internal/adapters) implement them
// with concrete implementations (HTTP, zerolog, etc.).
//
// This separation enables:
//   - Testing core logic with mock implementations
//   - Swapping infrastructure without changing business logic
//   - Clear boundaries and dependency direction
package ports
