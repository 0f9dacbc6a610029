// Package transport defines the publish/subscribe primitive the request/reply
// engine is built on, and a registry of broker connectors.
//
// Connectors register themselves from init(), the same way pipeline peers do:
//
//	import _ "github.com/edgeflare/devcall/pkg/transport/mqtt"
//
//	client, err := transport.Connect(ctx, "mqtt", rawConfig, logger)
//
// Delivery guarantees, QoS and broker clustering are the broker's business.
// A Client only has to deliver each inbound message at most once to the
// handler registered for its exact topic.
package transport
