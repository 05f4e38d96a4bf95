package validation

import (
	"fmt"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"

	"github.com/go-playground/validator/v10"
)

// Instance is the process-wide validator used by every Options struct and
// by the config loader. Registered custom tags live in util/validators.go.
var Instance = newInstance()

func newInstance() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	customs := map[string]validator.Func{
		"enum":     util.ValidateEnum,
		"notblank": util.ValidateNotBlank,
	}
	for tag, fn := range customs {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("failed to register validator tag '%s': %v", tag, err))
		}
	}

	return v
}
