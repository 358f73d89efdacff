// Package orchestrator runs the agent loop.
//
// An Agent is one member of a leaderless swarm. Every cycle it syncs the
// shared store, retries releases that could not be published, sweeps dead
// and stale leases, and then does the first thing that applies:
//
//	no registry           -> planning phase
//	selectable task       -> claim, run worker, publish guard, release
//	pass signal           -> stop
//	all tasks terminal    -> validation phase, while rounds remain
//	rounds exhausted      -> stop
//	otherwise             -> wait for a remote update or the backoff
//
// Agents never talk to each other. All coordination goes through appends to
// the store, so any number of agents can run the same loop.
package orchestrator
