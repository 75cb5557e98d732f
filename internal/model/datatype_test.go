package model_test

import (
	"sort"
	"testing"

	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOrdered_PreservesOrder(t *testing.T) {
	tests := []struct {
		name     string
		dataType model.DataType
		sorted   []string // in the type's natural ascending order
	}{
		{"ints with negatives", model.TypeInt, []string{"-100", "-7", "0", "3", "42", "1000"}},
		{"bigints", model.TypeBigInt, []string{"-9000000000", "-1", "0", "9000000000"}},
		{"timestamps", model.TypeTimestamp, []string{"0", "1700000000000", "1800000000000"}},
		{"doubles with negatives", model.TypeDouble, []string{"-12.5", "-0.25", "0", "0.5", "3.14", "99"}},
		{"booleans", model.TypeBoolean, []string{"false", "true"}},
		{"text", model.TypeText, []string{"aep", "eze", "mdq"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := make([]string, 0, len(tt.sorted))
			for _, lit := range tt.sorted {
				enc, err := tt.dataType.EncodeOrdered(lit)
				require.NoError(t, err)
				encoded = append(encoded, enc)
			}
			assert.True(t, sort.StringsAreSorted(encoded),
				"encodings %q must sort like their literals", encoded)
		})
	}
}

func TestEncodeOrdered_RoundTrip(t *testing.T) {
	tests := []struct {
		dataType model.DataType
		lit      string
	}{
		{model.TypeInt, "-42"},
		{model.TypeInt, "0"},
		{model.TypeBigInt, "9000000000"},
		{model.TypeTimestamp, "1700000000000"},
		{model.TypeDouble, "-12.5"},
		{model.TypeDouble, "3.25"},
		{model.TypeBoolean, "true"},
		{model.TypeBoolean, "false"},
		{model.TypeText, "ezeiza"},
	}
	for _, tt := range tests {
		t.Run(tt.lit, func(t *testing.T) {
			enc, err := tt.dataType.EncodeOrdered(tt.lit)
			require.NoError(t, err)
			dec, err := tt.dataType.DecodeOrdered(enc)
			require.NoError(t, err)
			assert.Equal(t, tt.lit, dec)
		})
	}
}

func TestValidateLiteral(t *testing.T) {
	assert.NoError(t, model.TypeInt.ValidateLiteral("42"))
	assert.Error(t, model.TypeInt.ValidateLiteral("forty-two"))
	assert.NoError(t, model.TypeDouble.ValidateLiteral("3.14"))
	assert.Error(t, model.TypeDouble.ValidateLiteral("pi"))
	assert.NoError(t, model.TypeBoolean.ValidateLiteral("TRUE"))
	assert.Error(t, model.TypeBoolean.ValidateLiteral("yes"))
	assert.NoError(t, model.TypeText.ValidateLiteral("anything at all"))
}

func TestTextRejectsReservedSeparatorBytes(t *testing.T) {
	// A \x00 or \x01 inside a text value would alias another row's encoded
	// key: "a\x00b" as one clustering value reads back as the composite
	// ("a", "b"), and \x01 escapes the storage key's partition section.
	for _, lit := range []string{"a\x00b", "good\x01evil", "\x00", "\x01"} {
		assert.Error(t, model.TypeText.ValidateLiteral(lit), "%q", lit)
		_, err := model.TypeText.EncodeOrdered(lit)
		assert.Error(t, err, "%q", lit)
	}

	enc, err := model.TypeText.EncodeOrdered("ab")
	require.NoError(t, err)
	assert.NotEqual(t, model.JoinKey([]string{"a", "b"}), enc)
}

func TestParseDataType(t *testing.T) {
	dt, err := model.ParseDataType("VARCHAR")
	require.NoError(t, err)
	assert.Equal(t, model.TypeText, dt)

	_, err = model.ParseDataType("blob")
	assert.Error(t, err)
}

func TestParseConsistency(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Consistency
		wantErr bool
	}{
		{"one", model.ConsistencyOne, false},
		{"QUORUM", model.ConsistencyQuorum, false},
		{"", model.ConsistencyQuorum, false},
		{"all", model.ConsistencyAll, false},
		{"two", "", true},
	}
	for _, tt := range tests {
		got, err := model.ParseConsistency(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestConsistency_Required(t *testing.T) {
	assert.Equal(t, 1, model.ConsistencyOne.Required(3))
	assert.Equal(t, 2, model.ConsistencyQuorum.Required(3))
	assert.Equal(t, 3, model.ConsistencyQuorum.Required(5))
	assert.Equal(t, 3, model.ConsistencyQuorum.Required(4))
	assert.Equal(t, 1, model.ConsistencyQuorum.Required(1))
	assert.Equal(t, 3, model.ConsistencyAll.Required(3))
}
