package main

import (
	"fmt"

	r "github.com/redis/go-redis/v9"

	"github.com/tpatki/merlin/amqpbackend"
	"github.com/tpatki/merlin/redisbackend"
	"github.com/tpatki/merlin/taskqueue"
)

// newBackend selects the one configured task server implementation. Unknown
// names are a startup error; the monitoring core never branches on backend
// identity.
func newBackend(config *Config) (taskqueue.Backend, error) {
	switch config.TaskServer {
	case "rabbitmq":
		conn, err := amqpbackend.Dial(config.BrokerURL)
		if err != nil {
			return nil, err
		}
		return amqpbackend.New(conn), nil
	case "redis":
		opts, err := r.ParseURL(config.BrokerURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis broker url: %w", err)
		}
		return redisbackend.New(r.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unsupported task server %q (expected rabbitmq or redis)", config.TaskServer)
	}
}
