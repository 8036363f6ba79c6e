package api

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"coursechat/pkg/types"
)

// custom validation tags
const (
	userIDTag   = "userid"
	notBlankTag = "notblank"
)

// newValidator builds a validator that reports JSON field names and knows the
// chat-specific tags
func newValidator() (*validator.Validate, ut.Translator) {
	v := validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	trans, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(userIDTag, func(fl validator.FieldLevel) bool {
		return types.IsValidUserID(fl.Field().String())
	})
	_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return !types.IsBlank(fl.Field().String())
	})

	// a RegisterTranslationsFunc is required but the defaults are already
	// registered, so a noop is passed
	registerFn := func(ut.Translator) error { return nil }
	for _, tag := range []string{userIDTag, notBlankTag} {
		_ = v.RegisterTranslation(tag, trans, registerFn, translateCustom)
	}

	return v, trans
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case userIDTag:
		return types.ErrInvalidUserID.Error()
	case notBlankTag:
		return "this field cannot be blank"
	default:
		return ""
	}
}

// fieldErrors flattens validation errors into field -> message
func fieldErrors(err validator.ValidationErrors, trans ut.Translator) map[string]string {
	out := make(map[string]string, len(err))
	for _, fe := range err {
		out[fe.Field()] = fe.Translate(trans)
	}
	return out
}
