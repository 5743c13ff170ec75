package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"reviewdesk/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Marketplace.ID == "" {
		t.Fatal("default marketplace id empty")
	}
	for _, role := range []string{"owner", "reviewer", "publisher", "auditor", "supplier"} {
		if _, ok := cfg.RBAC.Roles[role]; !ok {
			t.Fatalf("default config missing role %s", role)
		}
	}
	if len(cfg.RBAC.Roles["owner"].Permissions) < len(cfg.RBAC.Roles["reviewer"].Permissions) {
		t.Fatal("owner role narrower than reviewer")
	}
}

func TestFromYAMLRejectsBadVisibility(t *testing.T) {
	_, err := config.FromYAML([]byte(`
marketplace:
  id: mkt
review:
  default_visibility: secret
`))
	if err == nil || !strings.Contains(err.Error(), "default_visibility") {
		t.Fatalf("err = %v, want visibility error", err)
	}
}

func TestFromYAMLRequiresOwnerRole(t *testing.T) {
	_, err := config.FromYAML([]byte(`
marketplace:
  id: mkt
rbac:
  roles:
    reviewer:
      permissions:
        - datasets:read
`))
	if err == nil || !strings.Contains(err.Error(), "owner") {
		t.Fatalf("err = %v, want owner role error", err)
	}
}

func TestFromYAMLRequiresMarketplaceID(t *testing.T) {
	_, err := config.FromYAML([]byte("review:\n  default_visibility: public\n"))
	if err == nil || !strings.Contains(err.Error(), "marketplace.id") {
		t.Fatalf("err = %v, want marketplace.id error", err)
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Marketplace.ID != config.Default().Marketplace.ID {
		t.Fatalf("marketplace id = %s, want default", cfg.Marketplace.ID)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reviewdesk.yml")
	if err := config.WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("reload written config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("written config invalid: %v", err)
	}
}

func TestWebhookValidation(t *testing.T) {
	_, err := config.FromYAML([]byte(`
marketplace:
  id: mkt
webhooks:
  - secret: abc
`))
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("err = %v, want webhook url error", err)
	}
}

func TestPathDefaultsToCurrentDir(t *testing.T) {
	if got := config.Path(""); got != "reviewdesk.yml" {
		t.Fatalf("path = %s", got)
	}
	if got := config.Path("/srv/rd"); got != filepath.Join("/srv/rd", "reviewdesk.yml") {
		t.Fatalf("path = %s", got)
	}
}
