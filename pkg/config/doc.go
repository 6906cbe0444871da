// Package config loads the process configuration for conductor commands.
//
// A configuration file is YAML, or CUE when its name ends in .cue. Fields
// left out of the file keep the values from Default, and CONDUCTOR_*
// environment variables override both:
//
//	store:
//	  driver: postgres
//	  dsn: postgres://conductor@db/conductor
//	broker:
//	  backend: redis
//	  redis:
//	    addr: redis:6379
//	worker:
//	  queues: [actions, triggers]
//
// Validate checks the struct tags with go-playground/validator and then
// unifies the document with the built-in #Config CUE schema, so a bad
// broker backend or an empty Kafka broker list is reported with its path.
//
// Watch follows a config file and hands each valid reload to a callback;
// the worker uses it to change the log level without a restart.
package config
