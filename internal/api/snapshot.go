package api

// StateProvider hands the server a point-in-time view of the bot. The
// engine implements it; the server stays ignorant of engine internals.
type StateProvider interface {
	DashboardState() Snapshot
}
