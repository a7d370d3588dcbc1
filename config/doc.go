// Package config loads the registry daemon configuration.
//
// Values come from three layers, later ones winning: DefaultConfig, a TOML
// file, and COMPREG_* environment variables. Unknown keys in the file are
// rejected so typos do not silently fall back to defaults.
//
//	[registry]
//	name = "r1"
//	host = "h1"
//	federation_token = "s3cret"
//	heartbeat_period = "5s"
//
//	[nats]
//	url = "nats://127.0.0.1:4222"
//
//	[presence]
//	backend = "etcd"            # kv | etcd | memory
//	endpoints = ["127.0.0.1:2379"]
//
//	[mutex]
//	backend = "postgres"        # kv | postgres | memory
//	dsn = "postgres://compreg@db/compreg"
//
//	[files]
//	hosts = "/etc/compreg/hosts.toml"
//	credentials = "/etc/compreg/credentials.toml"
//
// The same settings from the environment:
//
//	COMPREG_REGISTRY_NAME=r1
//	COMPREG_PRESENCE_ENDPOINTS=10.0.0.1:2379,10.0.0.2:2379
//
// The translation methods (RegistrarConfig, NATSBusConfig, ...) turn the
// sections into the package configs the daemon wires together.
package config
