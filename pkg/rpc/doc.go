// Package rpc correlates requests and replies exchanged over a topic-based
// publish/subscribe transport.
//
// A call publishes {"correlationData": id, "params": {...}} on
//
//	<targetUID>/action<actionID>/request
//
// and waits for a payload carrying the same correlationData on
//
//	<targetUID>/action<actionID>/response
//
// Each call resolves exactly once, with the first of: a matching response
// (Success or RemoteError) or its deadline (TimedOut). Response topics are
// subscribed once per topic and released when the last call waiting on them
// resolves, so concurrent calls to the same device share one subscription.
//
//	engine := rpc.NewEngine(client, rpc.WithLogger(logger))
//	outcome, err := engine.Call(ctx, "dev-1", "1", map[string]any{"on": true}, 0)
//	if err != nil {
//		// invalid argument, transport unavailable or ctx ended
//	}
//	switch outcome.Kind {
//	case rpc.OutcomeSuccess:
//	case rpc.OutcomeRemoteError:
//	case rpc.OutcomeTimedOut:
//	}
package rpc
