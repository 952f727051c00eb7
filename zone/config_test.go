package zone

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tdnsd.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0640); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadConfigParsesZones(t *testing.T) {
	path := writeTestConfig(t, `
log:
  file: ""
service:
  jitter_pct: 5
zones:
  example.com.:
    file: /var/lib/tdns/example.com.zone
    dbsync_timeout: 60
    acl:
      xfr_in:
        - address: 192.0.2.53
          prefix: 32
`)

	conf, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	zc, ok := conf.Zones["example.com."]
	if !ok {
		t.Fatalf("expected zone example.com. to be present")
	}
	if zc.DbSyncTimeout != 60 {
		t.Fatalf("expected dbsync_timeout 60, got %d", zc.DbSyncTimeout)
	}
	if len(zc.Acl.XfrIn) != 1 || zc.Acl.XfrIn[0].Address != "192.0.2.53" {
		t.Fatalf("expected one xfr_in ACL entry for 192.0.2.53, got %+v", zc.Acl.XfrIn)
	}
}

func TestLoadConfigRejectsMissingRequiredFields(t *testing.T) {
	path := writeTestConfig(t, `
zones:
  example.com.:
    acl:
      xfr_in:
        - prefix: 32
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for an ACL entry missing its required address")
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("expected error for a missing config file")
	}
}
