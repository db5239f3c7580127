package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// tenantSchema constrains the inline CHAINBOX_TENANT_CONFIGS JSON. Quota
// fields must be non-negative; tenant_id is required.
const tenantSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["tenant_id"],
    "properties": {
      "tenant_id": {"type": "string", "minLength": 1},
      "max_calls_per_minute": {"type": "integer", "minimum": 0},
      "max_call_depth": {"type": "integer", "minimum": 0},
      "timeout_ms": {"type": "integer", "minimum": 0},
      "node_pool": {"type": "string"},
      "priority": {"type": "integer"}
    },
    "additionalProperties": false
  }
}`

var compiledTenantSchema = jsonschema.MustCompileString("tenants.json", tenantSchema)

// ParseTenantConfigs decodes and validates the inline JSON tenant list.
func ParseTenantConfigs(raw []byte) ([]TenantConfig, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := compiledTenantSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	var tenants []TenantConfig
	if err := json.Unmarshal(raw, &tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

// tenantProfile is the YAML document shape for CHAINBOX_TENANT_PROFILE.
type tenantProfile struct {
	Tenants []TenantConfig `yaml:"tenants"`
}

// LoadTenantProfile reads tenant configs from a YAML profile file.
func LoadTenantProfile(path string) ([]TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile tenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, t := range profile.Tenants {
		if t.TenantID == "" {
			return nil, fmt.Errorf("parse %s: tenant entry missing tenant_id", path)
		}
	}
	return profile.Tenants, nil
}
