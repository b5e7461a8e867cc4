// Package messaging provides synchronous request/reply calls over an
// asynchronous queue transport.
//
// This package implements:
//   - Gateway: publishes requests and blocks callers until the correlated reply arrives
//   - Registry: sharded map of pending calls, each resolved at most once
//   - ReplyListener: a fixed pool of workers consuming reply destinations
//   - Reaper: periodic sweep expiring calls past their deadline
//   - Responder: the serving side, replying, relaying or forwarding requests
//   - CorrelationStrategy: message-id or client generated correlation keys
//   - ReplyDestination: per-call temporary, per-gateway temporary or persistent replies
//
// Key features:
//   - Any number of concurrent callers share a small pool of reply workers
//   - A call with timeout T fails within [T, T+sweep interval]
//   - Late, duplicate and undecodable replies are acknowledged and dropped
//   - Gateways sharing a persistent reply destination never see each other's replies
//     when a selector header is configured
//
// Example usage:
//
//	gw, err := messaging.NewGateway(ctx, transport, messaging.GatewayConfig{
//		Destination: "orders",
//		Correlation: messaging.MessageIDCorrelation(),
//		ReplyTo:     messaging.PersistentReplies("orders.replies", "mmateInstance"),
//	})
//	if err != nil {
//		return err
//	}
//	defer gw.Close()
//
//	reply, err := gw.CallString(ctx, "Hello World-1", messaging.WithCallTimeout(5*time.Second))
//
// Transports implement the Transport interface; see transports/memory,
// transports/rabbitmq and transports/nats.
package messaging
