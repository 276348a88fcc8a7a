package checkout

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/go-playground/validator/v10"
)

type Request struct {
	Lines            []LineRequest        `json:"lines" validate:"required,min=1,max=100,dive"`
	ShippingAddress  *orders.Address      `json:"shipping_address" validate:"required"`
	PaymentMethod    orders.PaymentMethod `json:"payment_method" validate:"required,oneof=paystack pay_on_delivery"`
	PaymentReference string               `json:"payment_reference" validate:"max=200"`
	Customer         *orders.GuestContact `json:"customer_info" validate:"omitempty"`
	Notes            string               `json:"notes" validate:"max=1000"`

	// UserID is the authenticated caller, empty for guest checkout.
	UserID string `json:"-"`
}

type LineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Variant   string `json:"variant"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=100000"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateRequest(v *validator.Validate, req Request) error {
	fields := map[string]string{}

	if err := v.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			path := fe.Namespace()
			if i := strings.IndexByte(path, '.'); i >= 0 {
				path = path[i+1:]
			}
			fields[path] = describe(path, fe)
		}
	}

	if req.UserID == "" && req.Customer == nil {
		fields["customer_info"] = "customer_info is required for guest checkout"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func describe(path string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", path, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", path, fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s item(s)", path, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s characters", path, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", path)
	default:
		return fmt.Sprintf("%s is invalid", path)
	}
}
