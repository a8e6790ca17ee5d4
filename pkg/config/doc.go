// Package config loads the barclamp service configuration.
//
// The configuration is a YAML file decoded over Default and checked with
// go-playground/validator. Unknown keys are rejected. A handful of environment
// variables override file values:
//
//	BARCLAMP_DB_PATH        database.path
//	BARCLAMP_LISTEN         http.listen
//	BARCLAMP_BACKEND_URL    backend.url
//	BARCLAMP_REDIS_ADDR     lock.redis.address (selects the redis lock driver)
//	BARCLAMP_KAFKA_BROKERS  stream.brokers, comma separated (enables the stream)
//
// Example:
//
//	database:
//	  path: /var/lib/barclamp/barclamp.db
//	catalog:
//	  path: /etc/barclamp/catalog
//	  watch: true
//	backend:
//	  url: http://crowbar:3000/crowbar
//	  timeout: 30s
//	queue:
//	  commit_timeout: 30s
//	  drain_interval: 10s
//	http:
//	  listen: ":8080"
package config
