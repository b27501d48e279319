package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderland/bridge/pkg/types"
)

func TestNewEvent(t *testing.T) {
	e, err := NewEvent(70, "player", "", "joined")
	require.NoError(t, err)

	assert.Equal(t, Op(70), e.Op())
	assert.Equal(t, []string{"player", "joined"}, e.Args())
	assert.Equal(t, "70\x01player\x01joined", string(e.Compile()))
}

func TestNewEventValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no arguments"},
		{name: "only empty arguments", args: []string{"", ""}},
		{name: "too many arguments", args: []string{"a", "b", "c", "d", "e"}},
		{name: "delimiter in argument", args: []string{"a\x01b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvent(70, tt.args...)
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPacket))
		})
	}
}

func TestEventArgsAreCopied(t *testing.T) {
	e, err := NewEvent(70, "a", "b")
	require.NoError(t, err)

	args := e.Args()
	args[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, e.Args())
}

func TestEventIdentity(t *testing.T) {
	a, err := NewEvent(70, "same")
	require.NoError(t, err)
	b, err := NewEvent(70, "same")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, a.Compile(), b.Compile())
}

func TestEventFromPacket(t *testing.T) {
	p, err := Decode([]byte("65\x01x\x01y"), Table{Events: true})
	require.NoError(t, err)

	e, err := EventFromPacket(p)
	require.NoError(t, err)
	assert.Equal(t, Op(65), e.Op())
	assert.Equal(t, "65\x01x\x01y", string(e.Compile()))
}
