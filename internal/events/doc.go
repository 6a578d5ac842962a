// Package events provides the flood- and recursion-protected
// publish/subscribe bus every component announces state changes on.
//
// The bus is constructed explicitly and injected into components; there is
// no package-level singleton.
package events
