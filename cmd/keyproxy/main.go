// keyproxy is a reverse proxy that routes each request to a backend chosen
// by a routing header, tracks backend health and alerts on failures.
//
// Usage:
//
//	# Start the proxy and admin listeners
//	keyproxy serve --config keyproxy.yaml
//
//	# Check a configuration file and print the effective settings
//	keyproxy validate --config keyproxy.yaml --print
//
//	# Inspect or reset a running instance through its admin API
//	keyproxy status --admin http://127.0.0.1:9090
//	keyproxy reset svc1 --admin http://127.0.0.1:9090
package main

func main() {
	Execute()
}
