package usecase

import (
	"errors"
	"reflect"
	"strings"

	"donation-service/internal/domain"

	"github.com/go-playground/validator/v10"
)

var maxAmountScale = int32(2)

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields under their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validateInitiate checks the rail-agnostic request. Rail-specific rules
// (phone format, currency support) are enforced by the adapters.
func validateInitiate(v *validator.Validate, req *domain.InitiateRequest) error {
	fields := map[string]string{}

	if err := v.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return domain.NewValidationError(err.Error(), nil)
		}
		for _, fe := range ve {
			fields[fieldPath(fe)] = messageForTag(fe.Tag(), fe.Param())
		}
	}

	if req.Rail != "" && !req.Rail.Valid() {
		fields["rail"] = "must be one of card, wallet_redirect, mobile_push, manual_transfer"
	}
	if req.Currency != "" && !req.Currency.Valid() {
		fields["currency"] = "must be one of USD, EUR, GBP, KES"
	}
	if req.Amount.LessThan(domain.MinAmount) {
		fields["amount"] = "must be at least 1"
	} else if !req.Amount.Equal(req.Amount.Round(maxAmountScale)) {
		fields["amount"] = "must have at most 2 decimal places"
	}

	if len(fields) > 0 {
		return domain.NewValidationError("invalid donation request", fields)
	}
	return nil
}

// fieldPath drops the top-level struct name: "InitiateRequest.donor.message"
// becomes "donor.message".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func messageForTag(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + param + " characters"
	case "min":
		return "must be at least " + param
	default:
		return "is invalid"
	}
}
