package config

// Template returns a commented starting config for one end of a link.
func Template() string {
	return serialsyncTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	return writeFile(path, []byte(serialsyncTemplate), overwrite)
}

const serialsyncTemplate = `# serialsync configuration. Command line flags override these keys.
node = "node0"
remote = "node1"
device = "/dev/ttyUSB0"
baud = 921600

# redis or memory
backend = "redis"
# poll or keyspace; keyspace needs notify-keyspace-events on the server
watch = "poll"
poll_interval = "100ms"
configure_keyspace = false
max_payload_bytes = 65536
status_interval = "1m"

# empty disables the admin HTTP surface
admin_listen = ""
cors_origins = ["http://localhost:3000"]

[redis]
addr = "localhost:6379"
db = 0
password = ""

[link]
read_poll = "100ms"
idle_timeout = "30s"
heartbeat = "10s"
flush_interval = "250ms"
pending_queue = 256
backoff_initial = "250ms"
backoff_max = "5s"
backoff_jitter = true
# link uptime after which reconnect backoff starts over
stable_after = "30s"
`
