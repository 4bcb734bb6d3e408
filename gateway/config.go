// Copyright 2025 WorkflowAI
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ProviderConfig contains the configuration for one provider credential set.
// A provider may carry several sets (credential rotation and sharding); each
// set becomes its own adapter instance, selected by index.
type ProviderConfig struct {
	// Name is the unique identifier for this adapter instance.
	// Example: "openai", "openai-1".
	Name string `yaml:"name" json:"name"`

	// Type identifies the provider implementation to use.
	Type Provider `yaml:"type" json:"type"`

	// APIKey is the authentication key. Empty for Bedrock (uses SigV4 keys).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Endpoint overrides the provider's default API endpoint.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Region is the cloud region (Bedrock).
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// AccessKeyID / SecretAccessKey / SessionToken are the SigV4 signing
	// credentials (Bedrock).
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty" json:"session_token,omitempty"`

	// DefaultModel is used when a call does not specify a model.
	DefaultModel string `yaml:"default_model,omitempty" json:"default_model,omitempty"`

	// AvailableRegionsByModel restricts models to regions (Bedrock). A model
	// absent from the map is unsupported by this credential set.
	AvailableRegionsByModel map[string][]string `yaml:"available_regions_by_model,omitempty" json:"available_regions_by_model,omitempty"`

	// Enabled indicates if this credential set may serve traffic.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Config is the gateway-level configuration: every provider credential set
// the process may route to.
type Config struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
}

// envKeyVars maps each provider to the environment variable holding its API
// key. Additional credential sets use a numeric suffix: OPENAI_API_KEY_2.
var envKeyVars = map[Provider]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
	ProviderMistral:   "MISTRAL_API_KEY",
	ProviderXAI:       "XAI_API_KEY",
	ProviderFireworks: "FIREWORKS_API_KEY",
	ProviderGroq:      "GROQ_API_KEY",
}

// LoadConfigFile reads a YAML gateway configuration.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config %s: %w", path, err)
	}
	for i := range cfg.Providers {
		if err := cfg.Providers[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// ConfigFromEnv builds a configuration from environment variables. Each
// provider with a key present gets one credential set per numbered variable.
func ConfigFromEnv() *Config {
	cfg := &Config{}

	for _, p := range []Provider{
		ProviderOpenAI, ProviderAnthropic, ProviderGemini,
		ProviderMistral, ProviderXAI, ProviderFireworks, ProviderGroq,
	} {
		envVar := envKeyVars[p]
		for i := 1; ; i++ {
			v := envVar
			if i > 1 {
				v = envVar + "_" + strconv.Itoa(i)
			}
			key := os.Getenv(v)
			if key == "" {
				break
			}
			name := string(p)
			if i > 1 {
				name = fmt.Sprintf("%s-%d", p, i)
			}
			cfg.Providers = append(cfg.Providers, ProviderConfig{
				Name:    name,
				Type:    p,
				APIKey:  key,
				Enabled: true,
			})
		}
	}

	if access := os.Getenv("AWS_BEDROCK_ACCESS_KEY_ID"); access != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:            string(ProviderBedrock),
			Type:            ProviderBedrock,
			AccessKeyID:     access,
			SecretAccessKey: os.Getenv("AWS_BEDROCK_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_BEDROCK_SESSION_TOKEN"),
			Region:          bedrockRegionFromEnv(),
			Enabled:         true,
		})
	}

	return cfg
}

func bedrockRegionFromEnv() string {
	if r := os.Getenv("AWS_BEDROCK_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}

// Validate checks the credential-set invariants for the provider type.
func (c ProviderConfig) Validate() error {
	if c.Name == "" {
		return NewError(c.Type, ErrCodeInvalidRunOptions, "provider config name is required")
	}
	switch c.Type {
	case ProviderBedrock:
		if c.AccessKeyID == "" || c.SecretAccessKey == "" {
			return NewError(c.Type, ErrCodeInvalidRunOptions,
				fmt.Sprintf("provider %s requires access_key_id and secret_access_key", c.Name))
		}
		if c.Region == "" {
			return NewError(c.Type, ErrCodeInvalidRunOptions,
				fmt.Sprintf("provider %s requires a region", c.Name))
		}
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMistral,
		ProviderXAI, ProviderFireworks, ProviderGroq:
		if c.APIKey == "" {
			return NewError(c.Type, ErrCodeInvalidRunOptions,
				fmt.Sprintf("provider %s requires an api_key", c.Name))
		}
	default:
		return NewError(c.Type, ErrCodeInvalidRunOptions,
			fmt.Sprintf("unknown provider type %q", c.Type))
	}
	return nil
}
