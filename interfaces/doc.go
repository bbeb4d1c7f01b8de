// Package interfaces defines the core types and contracts for the
// social-recovery system. It provides the contract between components
// without implementation details: participant and policy types, the
// server-authoritative approval phase model, the relay and blob-custody
// collaborator contracts, and the shared error taxonomy.
package interfaces
