package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "probe":
		return probeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `node_id = "pulse.local"
listen_addr = ":8080"
graphql_path = "/graphql"
cors_origins = ["http://localhost:3000"]
auth_token = ""
transcript_db = ""
tls_cert_file = ""
tls_key_file = ""

[session]
write_timeout = "10s"
read_limit = 1048576
keepalive_interval = "10s"
`

const probeTemplate = `url = "ws://localhost:8080/graphql"
query = "subscription { ticks }"
id = "1"
token = ""
count = 0
timeout = "30s"
ca_file = ""
attempts = 3

[variables]
`
