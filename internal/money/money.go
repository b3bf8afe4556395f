// Package money holds currency amounts as decimals and converts them to the
// integer minor units the gateway speaks.
package money

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// Money is a currency-unit amount (e.g. 10.00 yuan). It stores as a DynamoDB
// number and encodes as a JSON string.
type Money struct {
	decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{decimal.Zero}

// New wraps a decimal.
func New(d decimal.Decimal) Money { return Money{d} }

// FromMinor converts minor units (fen/cents) into Money.
func FromMinor(minor int64) Money { return Money{decimal.New(minor, -2)} }

// Parse reads a decimal string such as "10.00".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Money{d}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MinorUnits returns the amount in minor units. Amounts with more than two
// fractional digits are rejected rather than rounded.
func (m Money) MinorUnits() (int64, error) {
	shifted := m.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-minor precision", m.String())
	}
	return shifted.IntPart(), nil
}

// MarshalDynamoDBAttributeValue stores the amount as an N attribute.
func (m Money) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: m.String()}, nil
}

// UnmarshalDynamoDBAttributeValue accepts N or S attributes.
func (m *Money) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var raw string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		raw = v.Value
	case *types.AttributeValueMemberS:
		raw = v.Value
	case *types.AttributeValueMemberNULL:
		m.Decimal = decimal.Zero
		return nil
	default:
		return fmt.Errorf("money: unsupported attribute type %T", av)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("money: %w", err)
	}
	m.Decimal = d
	return nil
}
