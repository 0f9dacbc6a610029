// Package mqtt implements transport.Client on top of the Eclipse Paho MQTT client.
//
// Example config as passed to transport.Connect("mqtt", ...):
//
//	{
//	  "servers": ["tcp://127.0.0.1:1883"],
//	  "clientID": "devcall-gateway",
//	  "username": "devcall",
//	  "password": "secret",
//	  "qos": 1,
//	  "tls": {"caFile": "/etc/ssl/broker-ca.pem"}
//	}
//
// Missing servers and credentials fall back to DEVCALL_MQTT_BROKER,
// DEVCALL_MQTT_USERNAME and DEVCALL_MQTT_PASSWORD.
package mqtt
