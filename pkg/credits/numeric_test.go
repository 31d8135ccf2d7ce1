package credits

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecimalFromAnyCoercesNilToZero(test *testing.T) {
	test.Parallel()
	value, err := DecimalFromAny(nil)
	if err != nil {
		test.Fatalf("coerce nil: %v", err)
	}
	if !value.IsZero() {
		test.Fatalf("expected zero, got %s", value)
	}
}

func TestDecimalFromAnyParsesStrings(test *testing.T) {
	test.Parallel()
	value, err := DecimalFromAny(" 42.50 ")
	if err != nil {
		test.Fatalf("coerce string: %v", err)
	}
	if !value.Equal(mustDecimal(test, "42.50")) {
		test.Fatalf("expected 42.50, got %s", value)
	}
	empty, err := DecimalFromAny("")
	if err != nil {
		test.Fatalf("coerce empty string: %v", err)
	}
	if !empty.IsZero() {
		test.Fatalf("expected zero for empty string, got %s", empty)
	}
	if _, err := DecimalFromAny("forty"); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDecimalFromAnyHandlesJSONNumber(test *testing.T) {
	test.Parallel()
	value, err := DecimalFromAny(json.Number("0.07"))
	if err != nil {
		test.Fatalf("coerce json number: %v", err)
	}
	if !value.Equal(mustDecimal(test, "0.07")) {
		test.Fatalf("expected 0.07, got %s", value)
	}
}

func TestDecimalFromAnyHandlesNullDecimal(test *testing.T) {
	test.Parallel()
	invalid, err := DecimalFromAny(decimal.NullDecimal{})
	if err != nil {
		test.Fatalf("coerce invalid null decimal: %v", err)
	}
	if !invalid.IsZero() {
		test.Fatalf("expected zero for unset null decimal, got %s", invalid)
	}
	set, err := DecimalFromAny(decimal.NullDecimal{Decimal: decimal.NewFromInt(7), Valid: true})
	if err != nil {
		test.Fatalf("coerce null decimal: %v", err)
	}
	if !set.Equal(decimal.NewFromInt(7)) {
		test.Fatalf("expected 7, got %s", set)
	}
}

func TestDecimalFromAnyRejectsUnsupportedType(test *testing.T) {
	test.Parallel()
	if _, err := DecimalFromAny(struct{}{}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDecimalOrZero(test *testing.T) {
	test.Parallel()
	if !DecimalOrZero(nil).IsZero() {
		test.Fatal("expected zero for nil pointer")
	}
	seven := decimal.NewFromInt(7)
	if !DecimalOrZero(&seven).Equal(seven) {
		test.Fatal("expected pointer value")
	}
}

func TestNullDecimalOrZero(test *testing.T) {
	test.Parallel()
	if !NullDecimalOrZero(decimal.NullDecimal{}).IsZero() {
		test.Fatal("expected zero for unset value")
	}
	set := decimal.NullDecimal{Decimal: decimal.NewFromInt(3), Valid: true}
	if !NullDecimalOrZero(set).Equal(decimal.NewFromInt(3)) {
		test.Fatal("expected wrapped value")
	}
}
