package credits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePoolKind(test *testing.T) {
	test.Parallel()
	kind, err := ParsePoolKind(" graph ")
	if err != nil {
		test.Fatalf("parse kind: %v", err)
	}
	if kind != PoolKindGraph {
		test.Fatalf("expected graph, got %s", kind)
	}
	if _, err := ParsePoolKind("wallet"); !errors.Is(err, ErrInvalidPoolKind) {
		test.Fatalf("expected ErrInvalidPoolKind, got %v", err)
	}
}

func TestNewResourceIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewResourceID("   "); !errors.Is(err, ErrInvalidResourceID) {
		test.Fatalf("expected ErrInvalidResourceID, got %v", err)
	}
	id := mustResourceID(test, "  kg1a2b3c  ")
	if id.String() != "kg1a2b3c" {
		test.Fatalf("expected trimmed id, got %q", id.String())
	}
}

func TestNewOperationTypeRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewOperationType(""); !errors.Is(err, ErrInvalidOperationType) {
		test.Fatalf("expected ErrInvalidOperationType, got %v", err)
	}
}

func TestIdempotencyKeyZeroValue(test *testing.T) {
	test.Parallel()
	if _, err := NewIdempotencyKey(" "); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	var zero IdempotencyKey
	if !zero.IsZero() {
		test.Fatal("zero value must report IsZero")
	}
	key := mustIdempotencyKey(test, "op-1")
	if key.IsZero() {
		test.Fatal("populated key must not report IsZero")
	}
}

func TestMetadataJSONValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	empty := mustMetadata(test, "")
	if empty.String() != "{}" {
		test.Fatalf("expected empty metadata to default to {}, got %q", empty.String())
	}
	fromMap, err := MetadataFromMap(map[string]any{"action_type": "storage_override"})
	if err != nil {
		test.Fatalf("metadata from map: %v", err)
	}
	if fromMap.String() != `{"action_type":"storage_override"}` {
		test.Fatalf("unexpected metadata: %s", fromMap.String())
	}
}

func TestParseTier(test *testing.T) {
	test.Parallel()
	tier, err := ParseTier("enterprise")
	if err != nil {
		test.Fatalf("parse tier: %v", err)
	}
	if tier != TierEnterprise {
		test.Fatalf("expected enterprise, got %s", tier)
	}
	if _, err := ParseTier("platinum"); !errors.Is(err, ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestParseTransactionType(test *testing.T) {
	test.Parallel()
	transactionType, err := ParseTransactionType("expiration")
	if err != nil {
		test.Fatalf("parse type: %v", err)
	}
	if transactionType != TransactionExpiration {
		test.Fatalf("expected expiration, got %s", transactionType)
	}
	if _, err := ParseTransactionType("chargeback"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestPolicyForTierParameters(test *testing.T) {
	test.Parallel()
	policy, err := PolicyForTier(TierPremium)
	if err != nil {
		test.Fatalf("policy: %v", err)
	}
	if !policy.MonthlyAllocation.Equal(decimal.NewFromInt(200000)) {
		test.Fatalf("expected 200000 monthly, got %s", policy.MonthlyAllocation)
	}
	if !policy.IncludedStorageGB.Equal(decimal.NewFromInt(2000)) {
		test.Fatalf("expected 2000 GB included, got %s", policy.IncludedStorageGB)
	}
}

func TestEffectiveStorageLimitPrefersOverride(test *testing.T) {
	test.Parallel()
	pool := CreditPool{StorageLimitGB: decimal.NewFromInt(100)}
	if !pool.EffectiveStorageLimitGB().Equal(decimal.NewFromInt(100)) {
		test.Fatalf("expected plan limit, got %s", pool.EffectiveStorageLimitGB())
	}
	pool.StorageOverrideGB = decimal.NullDecimal{Decimal: decimal.NewFromInt(300), Valid: true}
	if !pool.EffectiveStorageLimitGB().Equal(decimal.NewFromInt(300)) {
		test.Fatalf("expected override, got %s", pool.EffectiveStorageLimitGB())
	}
}

func TestNewIDsCarryPrefixes(test *testing.T) {
	test.Parallel()
	poolID := NewPoolID()
	if len(poolID) <= len("cpool_") || poolID[:len("cpool_")] != "cpool_" {
		test.Fatalf("unexpected pool id %q", poolID)
	}
	transactionID := NewTransactionID()
	if len(transactionID) <= len("ctx_") || transactionID[:len("ctx_")] != "ctx_" {
		test.Fatalf("unexpected transaction id %q", transactionID)
	}
	if NewPoolID() == poolID {
		test.Fatal("pool ids must be unique")
	}
}
