package stepconf

import "fmt"

// Validator is implemented by configs with checks spanning several fields.
type Validator interface {
	Validate() error
}

// InputParser ...
type InputParser interface {
	Parse(input interface{}) error
}

type envInputParser struct {
	envGetter EnvGetter
}

// NewInputParser returns a parser reading from envGetter, typically an env.Repository.
func NewInputParser(envGetter EnvGetter) InputParser {
	return envInputParser{
		envGetter: envGetter,
	}
}

// Parse fills input and then runs its Validate method, if it has one.
func (p envInputParser) Parse(input interface{}) error {
	if err := parse(input, p.envGetter); err != nil {
		return err
	}

	if validator, ok := input.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}
	return nil
}
