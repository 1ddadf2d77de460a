/*
Package engine multiplexes the sub-protocols of a content network node over a
single libp2p connection set.

The Engine owns one instance of every sub-protocol: liveness, identification,
block exchange, pub/sub, discovery and request/response, plus the optional NAT
detection, relay client, relay server and hole punching capabilities. The
sub-protocols are described by small interfaces with a non-blocking Poll, so the
Engine itself performs no I/O and can be driven deterministically.

Each Engine.Poll call polls every enabled sub-protocol once in a fixed order,
translates their native events into the unified Event types and yields the
oldest queued Event. Commands such as GetBlock or SendRequest call into the
responsible sub-protocol and register the query or request so that its
completion can be reported exactly once.

The Engine is not safe for concurrent use; see package service for the
single-owner driver.
*/
package engine
