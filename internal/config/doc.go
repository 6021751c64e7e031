// Package config loads the YAML configuration of the shocked server.
//
// The file is optional. Missing keys keep their defaults, and command-line
// flags override whatever the file sets.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  codec: json            # or cbor
//	  metrics_path: /metrics # "-" disables the endpoint
//	  max_message_size: 65536
//	  write_timeout: 10s
//	  shutdown_timeout: 30s
//	service:
//	  name: shocked
//	  url: /ws
//	session:
//	  send_queue_size: 256
//	  inbox_size: 64
//	  max_trackers: 0
//	  create_timeout: 30s
//	channel:
//	  queue_size: 64
//	log:
//	  level: info
//	  format: text
//	demos: [counter, todo]
//
// # Usage
//
//	cfg, err := config.Load("shocked.yaml")
//	if err != nil {
//	    errors.Fprint(os.Stderr, err)
//	    os.Exit(1)
//	}
//	srv := server.New(cfg.ServerOptions())
package config
