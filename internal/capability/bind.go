package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Bind decodes args into dst (a pointer to a struct with json and validate
// tags) and validates it. Failures are validation-kind errors.
func Bind(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return Errorf(KindValidation, "arguments are not serializable: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Errorf(KindValidation, "argument %q must be a %s", typeErr.Field, typeErr.Type.Kind())
		}
		return Errorf(KindValidation, "invalid arguments: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return Errorf(KindValidation, "%s", strings.Join(msgs, "; "))
		}
		return Errorf(KindValidation, "invalid arguments: %v", err)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("missing required argument %q", fe.Field())
	case "gte", "lte", "min", "max":
		return fmt.Sprintf("argument %q out of range (%s=%s)", fe.Field(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("argument %q failed %q check", fe.Field(), fe.Tag())
	}
}

// CheckArguments verifies required parameters are present and declared
// parameter types match. Unknown arguments are allowed through.
func CheckArguments(desc Descriptor, args map[string]any) error {
	for _, p := range desc.Parameters {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return Errorf(KindValidation, "missing required argument %q for %s", p.Name, desc.Name)
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return Errorf(KindValidation, "argument %q for %s must be a %s", p.Name, desc.Name, p.Type)
		}
		if s, isString := v.(string); isString && p.Required && strings.TrimSpace(s) == "" {
			return Errorf(KindValidation, "missing required argument %q for %s", p.Name, desc.Name)
		}
	}
	return nil
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}

// Normalize round-trips args through JSON so every value is one of the
// encoding/json generic types.
func Normalize(args map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
