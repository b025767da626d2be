package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
	translator   ut.Translator
)

// validatorInstance names fields by their json tag so messages match the
// config file.
func validatorInstance() (*validator.Validate, ut.Translator) {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		english := en.New()
		translator, _ = ut.New(english, english).GetTranslator("en")
		_ = entranslations.RegisterDefaultTranslations(validate, translator)
	})
	return validate, translator
}

// validateSection checks the validate tags of section, reporting fields by
// their path under prefix, e.g. "store.redis.addr is a required field".
func validateSection(prefix string, section any) error {
	v, trans := validatorInstance()
	err := v.Struct(section)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is "<Type>.<field>[.<field>...]".
		_, rel, _ := strings.Cut(fe.Namespace(), ".")
		path := prefix + "." + rel
		msg := fe.Translate(trans)
		if msg == fe.Error() {
			errs = append(errs, fmt.Errorf("%s failed the %q check", path, fe.Tag()))
			continue
		}
		errs = append(errs, errors.New(strings.Replace(msg, fe.Field(), path, 1)))
	}
	return errors.Join(errs...)
}
