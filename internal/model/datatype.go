package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is a column type of the supported CQL subset.
type DataType string

const (
	TypeText      DataType = "text"
	TypeInt       DataType = "int"
	TypeBigInt    DataType = "bigint"
	TypeFloat     DataType = "float"
	TypeDouble    DataType = "double"
	TypeBoolean   DataType = "boolean"
	TypeTimestamp DataType = "timestamp"
)

// ParseDataType resolves a type name from a CREATE TABLE statement.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "text", "varchar":
		return TypeText, nil
	case "int":
		return TypeInt, nil
	case "bigint":
		return TypeBigInt, nil
	case "float":
		return TypeFloat, nil
	case "double":
		return TypeDouble, nil
	case "boolean":
		return TypeBoolean, nil
	case "timestamp":
		return TypeTimestamp, nil
	default:
		return "", fmt.Errorf("unknown data type %q", s)
	}
}

// reservedKeyBytes are the composite key and storage key separators. A text
// value carrying either would alias another row's encoded key, so text
// literals reject them outright.
const reservedKeyBytes = KeySeparator + "\x01"

// ValidateLiteral checks that lit is a well-formed literal of type t.
// Values are stored in their textual form, so this is the only place a
// literal is interpreted before encoding.
func (t DataType) ValidateLiteral(lit string) error {
	switch t {
	case TypeText:
		if strings.ContainsAny(lit, reservedKeyBytes) {
			return fmt.Errorf("text value contains a reserved separator byte")
		}
		return nil
	case TypeInt, TypeBigInt, TypeTimestamp:
		if _, err := strconv.ParseInt(lit, 10, 64); err != nil {
			return fmt.Errorf("%q is not a valid %s", lit, t)
		}
	case TypeFloat, TypeDouble:
		if _, err := strconv.ParseFloat(lit, 64); err != nil {
			return fmt.Errorf("%q is not a valid %s", lit, t)
		}
	case TypeBoolean:
		l := strings.ToLower(lit)
		if l != "true" && l != "false" {
			return fmt.Errorf("%q is not a valid boolean", lit)
		}
	}
	return nil
}

// EncodeOrdered encodes a literal of type t so that byte-wise comparison of
// encodings matches the type's natural order. Clustering keys are stored in
// this form, which keeps the storage engine free of schema knowledge while
// preserving clustering order.
func (t DataType) EncodeOrdered(lit string) (string, error) {
	switch t {
	case TypeText:
		if strings.ContainsAny(lit, reservedKeyBytes) {
			return "", fmt.Errorf("text value contains a reserved separator byte")
		}
		return lit, nil
	case TypeInt, TypeBigInt, TypeTimestamp:
		v, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%q is not a valid %s", lit, t)
		}
		// Flip the sign bit so negative values sort below positive ones.
		return fmt.Sprintf("%016x", uint64(v)^(1<<63)), nil
	case TypeFloat, TypeDouble:
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return "", fmt.Errorf("%q is not a valid %s", lit, t)
		}
		bits := math.Float64bits(v)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits ^= 1 << 63
		}
		return fmt.Sprintf("%016x", bits), nil
	case TypeBoolean:
		if strings.ToLower(lit) == "true" {
			return "1", nil
		}
		return "0", nil
	default:
		return lit, nil
	}
}

// DecodeOrdered is the inverse of EncodeOrdered, used to render key columns
// back to their literal form in query results.
func (t DataType) DecodeOrdered(enc string) (string, error) {
	switch t {
	case TypeText:
		return enc, nil
	case TypeInt, TypeBigInt, TypeTimestamp:
		bits, err := strconv.ParseUint(enc, 16, 64)
		if err != nil {
			return "", fmt.Errorf("malformed encoded %s %q", t, enc)
		}
		return strconv.FormatInt(int64(bits^(1<<63)), 10), nil
	case TypeFloat, TypeDouble:
		bits, err := strconv.ParseUint(enc, 16, 64)
		if err != nil {
			return "", fmt.Errorf("malformed encoded %s %q", t, enc)
		}
		if bits&(1<<63) != 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		return strconv.FormatFloat(math.Float64frombits(bits), 'g', -1, 64), nil
	case TypeBoolean:
		if enc == "1" {
			return "true", nil
		}
		return "false", nil
	default:
		return enc, nil
	}
}
