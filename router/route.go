package router

// Route is the outcome of the write routing decision
type Route int

const (
	RouteLocal  Route = iota // Current region hosts the primary; execute in-process
	RouteRemote              // Forward to the primary region over the RPC collaborator
)

func (r Route) String() string {
	if r == RouteLocal {
		return "local"
	}
	return "remote"
}

// Decide determines where a write executes. It is a pure function of the two
// region identifiers, which are resolved once at process start; no state, no
// locking, trivially testable without network mocks.
func Decide(primaryRegion, currentRegion string) Route {
	if currentRegion == primaryRegion {
		return RouteLocal
	}
	return RouteRemote
}
