// Package linkresolution resolves shortened and ambiguous URLs to their final
// destination by walking HTTP redirect chains one hop at a time.
//
// # Chain walking
//
// Resolve issues a manual-redirect fetch for the URL and registers it as the
// origin of a chain. Each response with a Location header different from the
// requested URL adds an edge (next → current) and issues a fetch for next. A
// response without a Location header, or pointing back at itself, is terminal:
// the resolver backtracks from the terminal URL to the origin, removes every
// edge it visited and answers every waiter with {Source, Destination}.
//
// # Sharing
//
// Concurrent Resolve calls for a URL that is part of an in-flight chain join
// that chain instead of issuing new requests. A chain that redirects into
// another in-flight chain hands its waiters over to it.
//
// # Termination and errors
//
// A redirect back to a URL of the same chain fails with KindCycle; more than
// the hop limit fails with KindTooManyHops. A network error at any hop rejects
// every waiter of the chain, not only those registered on the failing URL.
// A canceled caller context detaches only that caller; a chain left without
// waiters is abandoned and its in-flight request canceled. Close rejects all
// in-flight resolutions.
package linkresolution
