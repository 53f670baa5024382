package analysis

import (
	"os"

	"gopkg.in/yaml.v3"
)

// load scoped server config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *AnalysisConfig, error:
//
//	When loading success, returns `(*AnalysisConfig, nil)`.
//	Otherwise, returns `(nil, error)`.
func LoadAnalysisConfig(filepath string) (*AnalysisConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (out *AnalysisConfig, err error) {
	var _out *AnalysisConfigMarshall
	err = yaml.Unmarshal(conf, &_out)
	if err != nil {
		return nil, err
	}
	out = TrySeal(_out)
	return out, nil
}
