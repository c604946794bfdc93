// Package app is the composition layer of the token locker.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models and pure ledger rules
//	│   ├── asset/          # Asset identifier codec
//	│   └── locker/         # Accounts, locks, transfers, events, records
//	├── events/             # Event emitters (ring buffer, log, redis)
//	├── storage/            # Storage interfaces and implementations
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/locker/    # Deposit, withdrawal saga, settlement loop
//	├── httpapi/            # HTTP API handlers, auth and rate limiting
//	├── runtime/            # Process runtime: config, database, HTTP server
//	├── system/             # Service lifecycle manager
//	└── metrics/            # Prometheus metrics
//
// # Dependency Direction
//
//	cmd/locker/
//	      │
//	      ▼
//	internal/app/runtime (process)
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► services/locker (business logic)
//	      │           │
//	      │           └──► domain/locker, storage, events
//	      │
//	      └──► httpapi, internal/chain
package app
