// Package worker consumes broker queues and performs the work each message
// names.
//
// A Service owns one Loop per queue. Each loop receives a delivery, decodes
// the message, and routes it:
//
//	dispatch_action       -> engine.Dispatcher
//	fire_trigger          -> Firer
//	generate_subscription -> Generator
//
// Settlement follows the handler result. Success and missing subjects are
// acked. Malformed or invalid messages are acked and logged as dead letters.
// Every other error nacks the delivery so it is redelivered, and the loop
// backs off before its next receive.
package worker
