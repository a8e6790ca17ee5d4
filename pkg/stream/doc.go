// Package stream publishes lifecycle and transition events to Kafka.
//
// A KafkaSink subscribes to the telemetry event publisher and writes events in
// batches to one topic, keyed by proposal or target id:
//
//	sink, err := stream.NewKafkaSink(stream.Config{
//	    Brokers: []string{"localhost:9092"},
//	    Topic:   "barclamp.events",
//	}, logger)
//	sink.Attach(tel.Events, nil)
//	defer sink.Close(ctx)
package stream
