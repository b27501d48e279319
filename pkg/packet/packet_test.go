package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderland/bridge/pkg/types"
)

var testTable = Table{
	Ops: map[Op]Shape{
		OpHello:      {Min: 2, Max: 2},
		OpLimboDeny:  {Min: 3, Max: 3},
		OpLimboQuery: {Min: 2, Max: 2},
		OpCommand:    {Min: 1, Max: 4},
		OpPing:       {Min: 0, Max: 1},
	},
	Events: true,
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name   string
		op     Op
		fields []string
		want   string
	}{
		{name: "two fields", op: OpLimboQuery, fields: []string{"1.2.3.4", "28960"}, want: "7\x011.2.3.4\x0128960"},
		{name: "empty fields skipped", op: OpCommand, fields: []string{"", "kick", "", "bob"}, want: "8\x01kick\x01bob"},
		{name: "no fields", op: OpPing, want: "11"},
		{name: "four fields", op: 100, fields: []string{"a", "b", "c", "d"}, want: "100\x01a\x01b\x01c\x01d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compile(tt.op, tt.fields...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCompileRejectsDelimiterInField(t *testing.T) {
	_, err := Compile(OpLimboDeny, "1.2.3.4", "28960", "bad\x01reason")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPacket))
}

func TestCompileRejectsTooManyFields(t *testing.T) {
	_, err := Compile(OpCommand, "a", "b", "c", "d", "e")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPacket))
}

func TestDecode(t *testing.T) {
	p, err := Decode([]byte("7\x011.2.3.4\x0128960"), testTable)
	require.NoError(t, err)
	assert.Equal(t, OpLimboQuery, p.Op)
	assert.Equal(t, []string{"1.2.3.4", "28960"}, p.Fields)
	assert.Equal(t, "28960", p.Field(1))
	assert.Equal(t, "", p.Field(5))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "non numeric op", raw: "x\x01a"},
		{name: "negative op", raw: "-1\x01a"},
		{name: "unknown op", raw: "3\x01a"},
		{name: "too few fields", raw: "1\x011.2.3.4"},
		{name: "too many fields", raw: "7\x01a\x01b\x01c"},
		{name: "empty field", raw: "8\x01a\x01\x01b"},
		{name: "trailing delimiter", raw: "11\x01"},
		{name: "event without fields", raw: "64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw), testTable)
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPacket))
		})
	}
}

func TestDecodeEventRange(t *testing.T) {
	p, err := Decode([]byte("64\x01hello"), testTable)
	require.NoError(t, err)
	assert.True(t, p.Op.IsEvent())

	_, err = Decode([]byte("64\x01hello"), Table{Ops: testTable.Ops})
	require.Error(t, err)
}

// A delimiter smuggled into a field shifts the positional fields. The
// receiver either rejects the packet or sees an extra field.
func TestDelimiterInFieldOnTheWire(t *testing.T) {
	t.Run("out of shape", func(t *testing.T) {
		raw := []byte("6\x011.2.3.4\x0128960\x01bad\x01reason")
		_, err := Decode(raw, testTable)
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPacket))
	})

	t.Run("misparsed", func(t *testing.T) {
		raw := []byte("8\x01say\x01hi\x01there")
		p, err := Decode(raw, testTable)
		require.NoError(t, err)
		assert.Equal(t, []string{"say", "hi", "there"}, p.Fields)
	})
}

func TestRoundTripThroughTable(t *testing.T) {
	raw, err := New(OpHello, "10.0.0.1", "5000").Encode()
	require.NoError(t, err)

	p, err := Decode(raw, testTable)
	require.NoError(t, err)
	assert.Equal(t, OpHello, p.Op)
	assert.Equal(t, "10.0.0.1", p.Field(0))
	assert.Equal(t, "5000", p.Field(1))
}

func TestErrorPacket(t *testing.T) {
	err := types.NewError(types.ErrCodeAdmissionDenied, "banned\x01forever")
	raw := ErrorPacket(err)

	p, derr := Decode(raw, Table{Ops: map[Op]Shape{OpError: {Min: 2, Max: 2}}})
	require.NoError(t, derr)
	assert.Equal(t, types.ErrCodeAdmissionDenied, p.Field(0))
	assert.Contains(t, p.Field(1), "banned forever")

	raw = ErrorPacket(assert.AnError)
	assert.Contains(t, string(raw), types.ErrCodeInternal)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "hello", OpHello.String())
	assert.Equal(t, "event(70)", Op(70).String())
	assert.Equal(t, "op(40)", Op(40).String())
}
