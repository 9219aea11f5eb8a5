package config

import (
	"fmt"
	"os"
)

// Template is a commented config file holding the defaults.
func Template() string {
	return defaultTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o600)
}

const defaultTemplate = `# username is used for chat messages typed into "flowlearn watch"
username = ""
topics = ["chat", "notifications", "tasks"]
# stomp | nats
transport = "stomp"
feed_capacity = 20
# status_addr = "127.0.0.1:9090"

[gateway]
http_url = "http://localhost:8080"
stream_url = "ws://localhost:8080/ws/websocket"
destination_prefix = "/topic/"

[nats]
url = "nats://127.0.0.1:4222"
name = "flowlearn"

[nats.subjects]
chat = "chat.messages"
notifications = "notifications"
tasks = "tasks.process"

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
heartbeat_interval = "4s"
heartbeat_timeout = "12s"
write_timeout = "10s"

[session.backoff]
initial_delay = "500ms"
multiplier = 2.0
max_delay = "30s"
jitter = true

[tls]
enabled = false
ca_file = ""
server_name = ""
insecure_skip_verify = false
`
