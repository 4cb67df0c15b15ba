package escalation

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/norm-structurer/internal/config"
)

type chainFile struct {
	Models []config.ModelSpec `yaml:"models"`
}

// LoadChain reads an ordered model list from a YAML file of the form
//
//	models:
//	  - provider: anthropic
//	    model: claude-haiku-4-5-20251001
//	    max_tokens: 8192
func LoadChain(path string) ([]config.ModelSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "escalation: read chain file %s", path)
	}
	return ParseChain(raw)
}

// ParseChain decodes chain YAML. Entries keep file order.
func ParseChain(raw []byte) ([]config.ModelSpec, error) {
	var f chainFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "escalation: parse chain")
	}
	if len(f.Models) == 0 {
		return nil, eris.New("escalation: chain lists no models")
	}
	for i, m := range f.Models {
		if m.Provider == "" || m.Model == "" {
			return nil, eris.Errorf("escalation: chain entry %d needs provider and model", i)
		}
	}
	return f.Models, nil
}
