// Package kafka implements transport.Client with a sarama SyncProducer and
// one partition consumer per subscribed topic.
//
// Topics are mapped to Kafka topic names by replacing "/" with "." and are
// consumed from partition 0 starting at the newest offset, so only messages
// produced after Subscribe returns are delivered.
//
//	{
//	  "brokers": ["localhost:9092"],
//	  "version": "2.1.1",
//	  "createTopics": true,
//	  "sasl": {"enable": true, "username": "devcall", "password": "secret", "algorithm": "sha512"},
//	  "tls": {"enable": true, "caFile": "/etc/ssl/kafka-ca.pem"}
//	}
package kafka
