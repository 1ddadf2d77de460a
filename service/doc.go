// Package service drives an engine.Engine from a single goroutine. Callers on
// other goroutines issue commands through Service methods, which are executed
// on the loop and reply through channels or mesh.Promise. Inbound content
// requests are answered from the content store and advertisement requests
// are handed to an Announcer.
package service
