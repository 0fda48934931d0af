package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/taskmesh/internal/config"
)

func TestWriteSettings(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Server.PSK = "super-secret"

	decoders := map[string]func([]byte, any) error{
		"yaml": yaml.Unmarshal,
		"toml": toml.Unmarshal,
		"json": json.Unmarshal,
	}

	for format, decode := range decoders {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeSettings(&buf, format, cfg.Settings()); err != nil {
				t.Fatalf("writeSettings(%s): %v", format, err)
			}
			if strings.Contains(buf.String(), "super-secret") {
				t.Errorf("%s output leaks the psk", format)
			}

			var got map[string]any
			if err := decode(buf.Bytes(), &got); err != nil {
				t.Fatalf("decode %s: %v\n%s", format, err, buf.String())
			}
			server, ok := got["server"].(map[string]any)
			if !ok {
				t.Fatalf("server section missing: %v", got)
			}
			if server["listen"] != cfg.Server.Listen {
				t.Errorf("server.listen = %v, want %q", server["listen"], cfg.Server.Listen)
			}
		})
	}
}

func TestWriteSettingsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSettings(&buf, "xml", map[string]any{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestDefaultConfigLoads(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(defaultConfig("abc"))); err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}

	var cfg appconfig.Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := appconfig.Default()
	if cfg.Server.PSK != "abc" {
		t.Errorf("server.psk = %q, want %q", cfg.Server.PSK, "abc")
	}
	if cfg.Server.Listen != want.Server.Listen {
		t.Errorf("server.listen = %q, want %q", cfg.Server.Listen, want.Server.Listen)
	}
	if cfg.Liveness.HeartbeatInterval != want.Liveness.HeartbeatInterval {
		t.Errorf("liveness.heartbeat_interval = %v, want %v", cfg.Liveness.HeartbeatInterval, want.Liveness.HeartbeatInterval)
	}
	if len(cfg.Worker.Capabilities) != len(want.Worker.Capabilities) {
		t.Errorf("worker.capabilities = %v, want %v", cfg.Worker.Capabilities, want.Worker.Capabilities)
	}
	if cfg.Auth.UsersFile != want.Auth.UsersFile {
		t.Errorf("auth.users_file = %q, want %q", cfg.Auth.UsersFile, want.Auth.UsersFile)
	}
}
