// Package nats implements transport.Client on core NATS subjects.
//
// Topics are mapped to subjects by replacing "/" with "." so that
// "dev-1/action1/request" is published on "dev-1.action1.request".
// Handlers always receive the original topic.
//
//	{
//	  "servers": ["nats://127.0.0.1:4222"],
//	  "username": "devcall",
//	  "password": "secret",
//	  "tls": {"enabled": true, "caFile": "/etc/ssl/nats-ca.pem"}
//	}
package nats
