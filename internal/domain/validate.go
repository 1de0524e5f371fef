package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

// Accepted timestamp range. Both ends sit well inside the span where
// UnixNano is defined, leaving room for window arithmetic.
var (
	MinTimestamp = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxTimestamp = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// TransactionValidator checks transactions at the ingest boundary.
// It is safe for concurrent use.
type TransactionValidator struct {
	validate *validator.Validate
	extra    map[string]struct{}

	// MaxFutureSkew rejects timestamps later than Now plus the skew; 0 disables.
	MaxFutureSkew time.Duration
	// Now defaults to the wall clock.
	Now func() time.Time
}

// NewTransactionValidator builds a validator that accepts ISO 4217 currencies
// plus the given extra codes (crypto assets).
func NewTransactionValidator(extraCurrencies []string) *TransactionValidator {
	v := &TransactionValidator{
		validate: validator.New(),
		extra:    make(map[string]struct{}, len(extraCurrencies)),
		Now:      time.Now,
	}
	for _, c := range extraCurrencies {
		v.extra[strings.ToUpper(c)] = struct{}{}
	}

	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.validate.RegisterValidation("account", func(fl validator.FieldLevel) bool {
		return accountPattern.MatchString(fl.Field().String())
	})
	_ = v.validate.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		if _, ok := v.extra[code]; ok {
			return true
		}
		return v.validate.Var(code, "iso4217") == nil
	})

	return v
}

// Validate returns nil or an error wrapping ErrValidation.
func (v *TransactionValidator) Validate(tx *Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: transaction is required", ErrValidation)
	}

	if err := v.validate.Struct(tx); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %q check", ErrValidation, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if tx.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	if tx.Timestamp.Before(MinTimestamp) || !tx.Timestamp.Before(MaxTimestamp) {
		return fmt.Errorf("%w: timestamp %s outside [%s, %s)", ErrValidation,
			tx.Timestamp.Format(time.RFC3339), MinTimestamp.Format(time.DateOnly), MaxTimestamp.Format(time.DateOnly))
	}
	if v.MaxFutureSkew > 0 && tx.Timestamp.After(v.Now().Add(v.MaxFutureSkew)) {
		return fmt.Errorf("%w: timestamp %s is more than %s in the future", ErrValidation,
			tx.Timestamp.Format(time.RFC3339), v.MaxFutureSkew)
	}
	if tx.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	return nil
}
