// Package dispatch routes a data request to the handler registered for the
// type tag of each of its containers.
//
// A Request holds one Container per URL. Executing the current container
// resolves its URL through the resource package, which yields a locked local
// file and a type tag; the tag selects a Handler and the request action
// selects one of its Methods. Handler packages register themselves with the
// process-wide list from init().
package dispatch
