package credits

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DecimalFromAny is the single coercion boundary for numeric input arriving
// from outside the ledger (request JSON, legacy rows, batch payloads). nil
// coerces to zero; strings must parse as decimals; floats are converted
// exactly once here so no float arithmetic leaks into the ledger.
func DecimalFromAny(value any) (decimal.Decimal, error) {
	switch typed := value.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return typed, nil
	case decimal.NullDecimal:
		if !typed.Valid {
			return decimal.Zero, nil
		}
		return typed.Decimal, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return decimal.Zero, nil
		}
		parsed, err := decimal.NewFromString(trimmed)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, typed)
		}
		return parsed, nil
	case json.Number:
		parsed, err := decimal.NewFromString(typed.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, typed)
		}
		return parsed, nil
	case float64:
		return decimal.NewFromFloat(typed), nil
	case float32:
		return decimal.NewFromFloat32(typed), nil
	case int:
		return decimal.NewFromInt(int64(typed)), nil
	case int64:
		return decimal.NewFromInt(typed), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported numeric type %T", ErrInvalidAmount, value)
	}
}

// DecimalOrZero treats a missing decimal as zero, for arithmetic over
// optional fields.
func DecimalOrZero(value *decimal.Decimal) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return *value
}

// NullDecimalOrZero treats an unset nullable decimal as zero.
func NullDecimalOrZero(value decimal.NullDecimal) decimal.Decimal {
	if !value.Valid {
		return decimal.Zero
	}
	return value.Decimal
}
